package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/i18n"
	"workshop_rt/server/common/log"
	"workshop_rt/server/common/middleware"
	"workshop_rt/server/common/priority"
	"workshop_rt/server/common/transport/httpresp"
	evdomain "workshop_rt/server/eventbus/domain"
	sessiondomain "workshop_rt/server/session/domain"
	sessionservice "workshop_rt/server/session/service"
)

const (
	sessionReadTimeout = 90 * time.Second
	sessionReadLimit   = 64 << 10

	frameJoin     = "group.join"
	frameLeave    = "group.leave"
	frameLocation = "location.update"
	framePing     = "ping"
)

var sessionUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type EventPublisher interface {
	Publish(ctx context.Context, req evdomain.PublishRequest) (string, error)
}

type Handler struct {
	registry   *sessionservice.Registry
	events     EventPublisher
	logger     log.Logger
	sendBuffer int
}

func NewHandler(registry *sessionservice.Registry, events EventPublisher, sendBuffer int, logger log.Logger) *Handler {
	h := &Handler{registry: registry, events: events, sendBuffer: sendBuffer, logger: log.OrNop(logger)}
	registry.OnDisconnect(func(sess sessiondomain.Session) {
		h.announce(context.Background(), evdomain.EventSessionDisconnected, sess)
	})
	return h
}

// RegisterRoutes mounts the session socket on r. Authentication is applied
// by the caller's group.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/session", h.handleSessionWS)
}

type inboundFrame struct {
	Type     string                  `json:"type"`
	Group    string                  `json:"group,omitempty"`
	Location *sessiondomain.Location `json:"location,omitempty"`
}

func (h *Handler) handleSessionWS(c *gin.Context) {
	req := sessiondomain.ConnectRequest{
		ActorID:     middleware.ActorID(c),
		WorkshopID:  middleware.WorkshopID(c),
		Role:        sessiondomain.Role(middleware.Role(c)),
		Locale:      requestLocale(c),
		DeviceClass: sessiondomain.DeviceClass(strings.TrimSpace(c.DefaultQuery("device_class", string(sessiondomain.DeviceDesktop)))),
	}
	if req.ActorID == "" {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrInsufficientRole))
		return
	}
	if !req.DeviceClass.Valid() {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("device_class must be one of mobile|tablet|desktop|kiosk"))
		return
	}

	conn, err := sessionUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("event=session_ws action=upgrade status=failed actor_id=%s error=%v", req.ActorID, err)
		return
	}
	peer := sessionservice.NewWSPeer(conn, h.sendBuffer, h.logger)
	sess, err := h.registry.Connect(req, peer)
	if err != nil {
		_ = peer.Close()
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	defer h.registry.Disconnect(sess.SessionID)

	h.reply(peer, "session.welcome", sess)
	h.announce(ctx, evdomain.EventSessionConnected, sess)

	conn.SetReadLimit(sessionReadLimit)
	conn.SetPongHandler(func(string) error {
		h.registry.Touch(sess.SessionID)
		return conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(sessionReadTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.registry.Touch(sess.SessionID)
		h.handleFrame(ctx, peer, sess, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, peer sessionservice.Peer, sess sessiondomain.Session, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.replyError(peer, apperr.Invalid("frame", "must be a JSON object"))
		return
	}
	frame.Group = strings.TrimSpace(frame.Group)
	var err error
	switch frame.Type {
	case framePing:
		h.reply(peer, "pong", nil)
		return
	case frameJoin:
		if err = h.checkGroup(sess, frame.Group); err == nil {
			err = h.registry.JoinGroup(sess.SessionID, frame.Group)
		}
	case frameLeave:
		err = h.registry.LeaveGroup(sess.SessionID, frame.Group)
	case frameLocation:
		if frame.Location == nil {
			err = apperr.Invalid("location", "is required")
		} else {
			err = h.registry.UpdateLocation(ctx, sess.SessionID, *frame.Location)
		}
	default:
		err = apperr.Invalid("type", "unsupported frame type "+frame.Type)
	}
	if err != nil {
		h.replyError(peer, err)
		return
	}
	h.reply(peer, frame.Type+".ok", map[string]any{"group": frame.Group})
}

func requestLocale(c *gin.Context) string {
	if q := strings.TrimSpace(c.Query("locale")); q != "" {
		return i18n.Normalize(q)
	}
	return i18n.FromAcceptLanguage(c.GetHeader("Accept-Language"))
}

// checkGroup keeps sessions out of other workshops' groups, including the
// entity groups nested under them. Unscoped entity groups are admin only.
func (h *Handler) checkGroup(sess sessiondomain.Session, group string) error {
	if group == "" {
		return apperr.Invalid("group", "is required")
	}
	own := sessionservice.WorkshopGroup(sess.WorkshopID)
	switch {
	case strings.HasPrefix(group, "workshop:"):
		if sess.WorkshopID == "" || (group != own && !strings.HasPrefix(group, own+":")) {
			return apperr.Invalid("group", "belongs to another workshop")
		}
	case strings.HasPrefix(group, "entity:") && sess.Role != sessiondomain.RoleAdmin:
		return apperr.Invalid("group", "entity groups are joined through the workshop")
	}
	return nil
}

func (h *Handler) reply(peer sessionservice.Peer, frameType string, payload any) {
	frame, err := json.Marshal(sessiondomain.Envelope{Type: frameType, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := peer.Send(frame); err != nil {
		h.logger.Debugf("event=session_ws action=reply status=dropped type=%s error=%v", frameType, err)
	}
}

func (h *Handler) replyError(peer sessionservice.Peer, err error) {
	h.reply(peer, "error", httpresp.NewErrorResponse(apperr.Message(err)))
}

func (h *Handler) announce(ctx context.Context, eventType evdomain.EventType, sess sessiondomain.Session) {
	if h.events == nil {
		return
	}
	target := ""
	if sess.WorkshopID != "" {
		target = sessionservice.WorkshopGroup(sess.WorkshopID)
	}
	_, err := h.events.Publish(ctx, evdomain.PublishRequest{
		Type:        eventType,
		Priority:    priority.Low,
		OriginActor: sess.ActorID,
		TargetGroup: target,
		Locale:      sess.Locale,
		Payload: map[string]any{
			"session_id":   sess.SessionID,
			"actor_id":     sess.ActorID,
			"role":         sess.Role,
			"device_class": sess.DeviceClass,
		},
	})
	if err != nil {
		h.logger.Warnf("event=session_ws action=announce status=failed type=%s session_id=%s error=%v", eventType, sess.SessionID, err)
	}
}
