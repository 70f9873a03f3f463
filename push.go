package shellcache

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/jmgilman/go/errors"
)

// Notification actions.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// PushPayload is the JSON body of an inbound push message. Every field is optional.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

type NotificationData struct {
	URL string `json:"url"`
	// Timestamp is the time the push arrived, in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notifier renders notifications to the user.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, n Notification) error
}

// WindowOpener opens a window on the given URL, or focuses one already showing it.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// clientNotifier delivers notifications and window requests to the connected clients.
type clientNotifier struct {
	clients *Clients
}

func (c clientNotifier) ShowNotification(ctx context.Context, n Notification) error {
	c.clients.Broadcast(NotificationMessage{Type: MessageTypeNotification, Notification: n}, "")
	return nil
}

// CloseNotification is a no-op, clients dismiss their own notifications.
func (c clientNotifier) CloseNotification(ctx context.Context, n Notification) error {
	return nil
}

func (c clientNotifier) OpenWindow(ctx context.Context, url string) error {
	c.clients.Broadcast(OpenWindowMessage{Type: MessageTypeOpenWindow, URL: url}, "")
	return nil
}

// HandlePush renders an inbound push payload as a notification.
// Empty payloads are dropped. Malformed payloads are dropped with a CodeInvalidInput error.
// Missing fields fall back to the configured defaults and the application scope.
func (w *Worker) HandlePush(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		w.log.Debug().Msg("Empty push, dropping")
		return nil
	}
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		w.log.Warn().Err(err).Msg("Malformed push, dropping")
		return errors.Wrap(err, errors.CodeInvalidInput, "malformed push payload")
	}

	n := w.notification(payload)
	w.log.Debug().Str("title", n.Title).Str("url", n.Data.URL).Msg("Push received")
	if err := w.notifier.ShowNotification(ctx, n); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "could not show notification")
	}
	return nil
}

func (w *Worker) notification(payload PushPayload) Notification {
	push := w.cfg.Push
	n := Notification{
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    w.resolve(push.Icon),
		Badge:   w.resolve(push.Badge),
		Vibrate: push.Vibrate,
		Data: NotificationData{
			URL:       w.resolve(payload.URL),
			Timestamp: time.Now().UnixMilli(),
		},
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: "Open"},
			{Action: ActionClose, Title: "Close"},
		},
	}
	if n.Title == "" {
		n.Title = push.DefaultTitle
	}
	if n.Body == "" {
		n.Body = push.DefaultBody
	}
	return n
}

// resolve resolves ref against the scope. An empty or unparsable ref yields the scope itself.
func (w *Worker) resolve(ref string) string {
	if ref == "" {
		return w.scope.String()
	}
	u, err := url.Parse(ref)
	if err != nil {
		return w.scope.String()
	}
	return w.scope.ResolveReference(u).String()
}

// HandleNotificationClick closes the clicked notification and, unless the close
// action was chosen, opens the URL it refers to.
func (w *Worker) HandleNotificationClick(ctx context.Context, n Notification, action string) error {
	logger := w.log.With().Str("action", action).Logger()
	if err := w.notifier.CloseNotification(ctx, n); err != nil {
		logger.Warn().Err(err).Msg("Could not close notification")
	}
	switch action {
	case "", ActionOpen:
	default:
		logger.Debug().Msg("Notification dismissed")
		return nil
	}

	target := w.resolve(n.Data.URL)
	logger.Debug().Str("url", target).Msg("Opening window")
	if err := w.opener.OpenWindow(ctx, target); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "could not open window")
	}
	return nil
}
