package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/config"
	"github.com/calmora/livebridge/internal/core"
	"github.com/calmora/livebridge/internal/media"
	"github.com/calmora/livebridge/internal/protocol"
	"github.com/calmora/livebridge/internal/session"
	"github.com/calmora/livebridge/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveWSController exposes a conversation session over a WebSocket so
// clients without WebRTC support can still exercise the flow. The backend
// mode and session knobs come from the loaded configuration.
type LiveWSController struct {
	cfg      *config.Config
	registry *session.Registry
	limiter  *TextRateLimiter
}

func NewLiveWSController(cfg *config.Config, registry *session.Registry) *LiveWSController {
	return &LiveWSController{
		cfg:      cfg,
		registry: registry,
		limiter:  NewTextRateLimiter(20, time.Minute),
	}
}

func (ctl *LiveWSController) newOrchestrator() *session.Orchestrator {
	mgr := media.NewManager(media.NewSyntheticAccess(), nil, media.ManagerConfig{
		BaseSampleRate: ctl.cfg.SampleRate,
	})
	return session.NewOrchestrator(session.Config{
		Mode:              session.Mode(ctl.cfg.SessionMode),
		Model:             ctl.cfg.Model,
		SystemInstruction: ctl.cfg.SystemInstruction,
		OfferURL:          ctl.cfg.OfferURL,
		SignalURL:         ctl.cfg.SignalURL,
		SampleRate:        ctl.cfg.SampleRate,
		Features: protocol.AudioFeatures{
			AEC: ctl.cfg.EchoCancellation,
			AGC: ctl.cfg.AutoGainControl,
			NS:  ctl.cfg.NoiseSuppression,
		},
		SetupTimeout:     ctl.cfg.SetupTimeout,
		ICEGatherTimeout: ctl.cfg.ICEGatherTimeout,
		MaxRetries:       ctl.cfg.MaxRetries,
		STUNServers:      ctl.cfg.STUNServers,
	}, mgr)
}

func (ctl *LiveWSController) Handle(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.live").Msg("ws upgrade")
		return
	}

	ws := transport.NewWSConn(conn)
	orch := ctl.newOrchestrator()
	orch.OnEvent(func(ev core.Event) { ctl.pushEvent(ws, ev) })

	ws.OnFrame(func(f core.Frame) { ctl.handleInbound(sid, orch, f) })
	ws.OnClose(func() {
		// Release is identity-checked: if this token was rebound to a new
		// connection, the replacement session stays up and keeps its
		// rate-limit window.
		if ctl.registry.Release(sid, orch) {
			ctl.limiter.Forget(sid)
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	ctl.registry.Bind(sid, orch, func() {
		cancel()
		ws.Close()
	})

	if err := ws.Open(); err != nil {
		log.Error().Err(err).Str("module", "adapters.live").Str("sid", string(sid)).Msg("transport open failed")
		ctl.registry.Release(sid, orch)
		return
	}

	if err := orch.Connect(ctx); err != nil {
		log.Error().Err(err).Str("module", "adapters.live").Str("sid", string(sid)).Msg("connect failed")
	}
}

// State reports the session bound to the caller's client token.
func (ctl *LiveWSController) State(c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	orch, ok := ctl.registry.Get(sid)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"state": "idle"})
		return
	}
	resp := gin.H{
		"state":    string(orch.State()),
		"mode":     string(orch.LiveMode()),
		"fallback": orch.AutoFallbackUsed(),
	}
	if e := orch.LastError(); e != nil {
		resp["error"] = e.Message
	}
	c.JSON(http.StatusOK, resp)
}

// Disconnect tears down the caller's session no matter which connection
// currently owns it.
func (ctl *LiveWSController) Disconnect(c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	ctl.registry.Unbind(sid)
	ctl.limiter.Forget(sid)
	c.Status(http.StatusNoContent)
}

// pushEvent serializes one session event into the data-channel JSON dialect.
func (ctl *LiveWSController) pushEvent(ws *transport.WS, ev core.Event) {
	var payload any
	switch e := ev.(type) {
	case core.TranscriptEvent:
		payload = struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Text    string `json:"text"`
			IsFinal bool   `json:"isFinal"`
		}{Type: "transcript", Role: string(e.Role), Text: e.Text, IsFinal: e.IsFinal}
	case core.ErrorEvent:
		payload = struct {
			Type    string `json:"type"`
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}{Type: "error", Kind: string(e.Err.Kind), Message: e.Err.Message}
	case core.StateChangedEvent:
		payload = struct {
			Type string `json:"type"`
			From string `json:"from"`
			To   string `json:"to"`
		}{Type: "state", From: e.From, To: e.To}
	default:
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := ws.Send(data); err != nil {
		log.Warn().Err(err).Str("module", "adapters.live").Msg("dropping event")
	}
}

func (ctl *LiveWSController) handleInbound(sid core.SessionID, orch *session.Orchestrator, data []byte) {
	text := ""
	var msg protocol.DataChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Plain text counts as a user turn, matching the data channel.
		text = string(data)
	} else if msg.Type == "user_text" {
		text = msg.Text
	} else {
		log.Debug().Str("module", "adapters.live").Str("type", msg.Type).Msg("ignoring message")
		return
	}

	if !ctl.limiter.Allow(sid) {
		log.Warn().Str("module", "adapters.live").Str("sid", string(sid)).Msg("user text rate limited")
		return
	}
	if err := orch.SendUserText(text); err != nil {
		log.Warn().Err(err).Str("module", "adapters.live").Msg("user text rejected")
	}
}
