package domain

// Friend is an entry of the local user's friend list
type Friend struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	FCMToken string `json:"fcmToken"`
	Platform string `json:"platform,omitempty"` // ios, android
}

// Peer converts the friend to a call peer
func (f *Friend) Peer() *Peer {
	return &Peer{
		DeviceID: f.DeviceID,
		UserID:   f.UserID,
		Name:     f.Name,
		FCMToken: f.FCMToken,
	}
}

// LocalIdentity identifies this device and its user
type LocalIdentity struct {
	UserID      string `json:"userId"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	FCMToken    string `json:"fcmToken"`
	Platform    string `json:"platform,omitempty"`
}
