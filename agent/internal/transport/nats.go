// Package transport binds the protocol layer to the pub/sub broker. It is
// the only package that knows NATS exists; the core stays transport-neutral.
package transport

import (
	"time"

	"github.com/nats-io/nats.go"

	"nodi-agent/agent/internal/config"
	"nodi-agent/agent/internal/logger"
	"nodi-agent/agent/internal/ota"
	"nodi-agent/agent/internal/protocol"
)

// Bridge subscribes to the device command subject, feeds decoded commands to
// the orchestrator, and publishes progress and terminal reports.
type Bridge struct {
	nc    *nats.Conn
	codec *protocol.Codec
	orch  *ota.Orchestrator

	cmdSubject    string
	reportSubject string
	statusSubject string

	sub       *nats.Subscription
	statusSub *nats.Subscription
}

// Connect dials the broker with unbounded reconnects; delivery gaps during a
// reconnect are the control plane's at-least-once problem, not ours.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
}

func NewBridge(nc *nats.Conn, codec *protocol.Codec, orch *ota.Orchestrator, cfg config.AppConfig) *Bridge {
	b := &Bridge{
		nc:            nc,
		codec:         codec,
		orch:          orch,
		cmdSubject:    config.CommandSubject(cfg.SubjectPrefix, cfg.DeviceID),
		reportSubject: config.ReportSubject(cfg.SubjectPrefix, cfg.DeviceID),
		statusSubject: config.StatusSubject(cfg.SubjectPrefix, cfg.DeviceID),
	}
	orch.OnReport = b.publishReport
	orch.OnTransition = b.publishProgress
	return b
}

// Start subscribes to commands and the request/reply status subject.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.cmdSubject, b.handleCommand)
	if err != nil {
		return err
	}
	b.sub = sub

	statusSub, err := b.nc.Subscribe(b.statusSubject, func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		_ = msg.Respond(protocol.EncodeStatus(b.orch.Status()))
	})
	if err != nil {
		b.sub.Unsubscribe()
		return err
	}
	b.statusSub = statusSub

	logger.Infof("Listening for commands on %s", b.cmdSubject)
	return nil
}

func (b *Bridge) handleCommand(msg *nats.Msg) {
	cmd, err := b.codec.Decode(msg.Data)
	if err != nil {
		logger.Errorf("Rejected command: %v", err)
		b.respond(msg, protocol.EncodeRejection(cmd.Action, cmd.CorrelationID, err))
		return
	}
	logger.Infof("Received command: action=%s version=%s correlation=%s", cmd.Action, cmd.Version, cmd.CorrelationID)

	switch cmd.Action {
	case protocol.ActionStatus:
		b.respond(msg, protocol.EncodeStatus(b.orch.Status()))
	case protocol.ActionUpdate:
		if err := b.orch.Accept(b.codec.ToUpdateCommand(cmd)); err != nil {
			b.respond(msg, protocol.EncodeRejection(cmd.Action, cmd.CorrelationID, err))
		}
	case protocol.ActionRollback:
		if err := b.orch.RollbackLatest(b.codec.ToUpdateCommand(cmd)); err != nil {
			b.respond(msg, protocol.EncodeRejection(cmd.Action, cmd.CorrelationID, err))
		}
	}
}

// respond replies in place for request/reply callers, otherwise publishes on
// the report subject.
func (b *Bridge) respond(msg *nats.Msg, payload []byte) {
	if msg.Reply != "" {
		if err := msg.Respond(payload); err != nil {
			logger.Errorf("Cannot reply: %v", err)
		}
		return
	}
	if err := b.nc.Publish(b.reportSubject, payload); err != nil {
		logger.Errorf("Cannot publish response: %v", err)
	}
}

func (b *Bridge) publishReport(r ota.UpdateReport) {
	if err := b.nc.Publish(b.reportSubject, protocol.EncodeReport(r)); err != nil {
		logger.Errorf("Cannot publish report (correlation=%s): %v", r.CorrelationID, err)
	}
}

func (b *Bridge) publishProgress(state ota.State, cmd ota.UpdateCommand) {
	if err := b.nc.Publish(b.reportSubject, protocol.EncodeProgress(state, cmd)); err != nil {
		logger.Errorf("Cannot publish progress event: %v", err)
	}
}

// Close drains the subscriptions so an in-flight command handler finishes.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.statusSub != nil {
		_ = b.statusSub.Drain()
	}
}
