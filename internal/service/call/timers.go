package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	pkgctx "knockknock-core/pkg/context"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/resilience"
)

// startConnectionTimeout ends the call if it is still CONNECTING when the
// timeout fires
func (m *Machine) startConnectionTimeout() {
	m.startStageTimeout(m.cfg.ConnectionTimeout, domain.StateConnecting, "Connection timed out")
}

// startRingTimeout ends an incoming call nobody answered. It is replaced by
// the connection timeout once the call starts negotiating.
func (m *Machine) startRingTimeout() {
	m.startStageTimeout(m.cfg.RingTimeout, domain.StateIncomingRinging, "Incoming call was not answered")
}

func (m *Machine) startStageTimeout(d time.Duration, stage domain.CallState, msg string) {
	m.stopConnectionTimeout()
	gen := m.timerGen
	room := m.room
	m.connTimer = m.clock.AfterFunc(d, func() {
		m.post(func() {
			if m.timerGen != gen || m.room != room || m.state() != stage {
				return
			}
			logger.Warn(msg, zap.String("room", room))
			m.teardown(domain.ReasonTimeout)
		})
	})
}

func (m *Machine) stopConnectionTimeout() {
	if m.connTimer != nil {
		m.connTimer.Stop()
		m.connTimer = nil
	}
}

// startAlert starts the ringing alert and polls until the call connects or ends
func (m *Machine) startAlert() {
	if m.alerter == nil || m.alerting {
		return
	}
	m.alerter.Start()
	m.alerting = true

	gen := m.timerGen
	m.stopAlertFn = m.every(m.cfg.AlertPollInterval, func() {
		if m.timerGen != gen {
			return
		}
		if s := m.state(); s == domain.StateConnected || !s.Active() {
			m.stopAlert()
		}
	})
}

func (m *Machine) stopAlert() {
	if m.stopAlertFn != nil {
		m.stopAlertFn()
		m.stopAlertFn = nil
	}
	if m.alerting {
		m.alerter.Stop()
		m.alerting = false
	}
}

// startHeartbeat keeps the channel, transport set and busy flag fresh while
// the call is negotiating or connected
func (m *Machine) startHeartbeat() {
	if m.stopBeatFn != nil {
		return
	}
	gen := m.timerGen
	m.stopBeatFn = m.every(m.cfg.HeartbeatInterval, func() {
		if m.timerGen != gen || !m.state().Active() {
			return
		}
		go m.beat(m.activeGen.Load())
	})
}

func (m *Machine) beat(gen uint64) {
	ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
	defer cancel()

	if !m.channel.Connected() {
		err := resilience.Retry(ctx, m.cfg.ReconnectRetry, "signaling_connect", m.channel.Connect)
		if err != nil {
			logger.Warn("Heartbeat could not reconnect signaling", zap.Error(err))
		}
	}
	m.coord.Touch()
	m.assertBusy(ctx, gen)
}

// stopTimers cancels every call timer and invalidates callbacks already queued
func (m *Machine) stopTimers() {
	m.timerGen++
	m.stopConnectionTimeout()
	if m.stopBeatFn != nil {
		m.stopBeatFn()
		m.stopBeatFn = nil
	}
	if m.stopAlertFn != nil {
		m.stopAlertFn()
		m.stopAlertFn = nil
	}
}

// every runs fn on the loop each interval until the returned func is called
func (m *Machine) every(d time.Duration, fn func()) func() {
	ticker := m.clock.Ticker(d)
	stop := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !m.post(fn) {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
