package shellcache

import (
	"context"
	"errors"
	"net/http"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
)

type recordingNotifier struct {
	shown  []Notification
	closed int
	opened []string
}

func (r *recordingNotifier) ShowNotification(ctx context.Context, n Notification) error {
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) CloseNotification(ctx context.Context, n Notification) error {
	r.closed++
	return nil
}

func (r *recordingNotifier) OpenWindow(ctx context.Context, url string) error {
	r.opened = append(r.opened, url)
	return nil
}

func newPushWorker(t *testing.T) (*Worker, *recordingNotifier) {
	t.Helper()
	rec := &recordingNotifier{}
	w, err := New(Config{
		Namespace: "Venda Mais",
		Version:   "v1",
		Scope:     "https://example.com/admin/",
		Notifier:  rec,
		Opener:    rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w, rec
}

func TestPushRendersPayload(t *testing.T) {
	w, rec := newPushWorker(t)
	defer w.Close()

	err := w.HandlePush(context.Background(), []byte(`{"title":"Order","body":"New order #42","url":"orders/42"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.shown) != 1 {
		t.Fatalf("Shown %d notifications", len(rec.shown))
	}
	n := rec.shown[0]
	if n.Title != "Order" || n.Body != "New order #42" || n.Data.URL != "https://example.com/admin/orders/42" {
		t.Fatalf("Notification is %+v", n)
	}
	if n.Icon != "https://example.com/admin/favicon.ico" || n.Badge != n.Icon {
		t.Fatalf("Icon is %s, badge is %s", n.Icon, n.Badge)
	}
	if len(n.Vibrate) != 3 || len(n.Actions) != 2 || n.Actions[0].Action != ActionOpen || n.Data.Timestamp == 0 {
		t.Fatalf("Notification options are %+v", n)
	}
}

func TestPushFallsBackToDefaults(t *testing.T) {
	w, rec := newPushWorker(t)
	defer w.Close()

	if err := w.HandlePush(context.Background(), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	n := rec.shown[0]
	if n.Title != "Venda Mais" || n.Body != "New notification from Venda Mais" || n.Data.URL != "https://example.com/admin/" {
		t.Fatalf("Notification is %+v", n)
	}
}

func TestMalformedPushIsDropped(t *testing.T) {
	w, rec := newPushWorker(t)
	defer w.Close()

	err := w.HandlePush(context.Background(), []byte(`{"title":`))
	if platformerrors.GetCode(err) != platformerrors.CodeInvalidInput {
		t.Fatalf("Error is %v", err)
	}
	if err := w.HandlePush(context.Background(), nil); err != nil {
		t.Fatalf("Empty push returned %v", err)
	}
	if len(rec.shown) != 0 {
		t.Fatalf("Shown %d notifications", len(rec.shown))
	}
}

func TestNotificationClickOpensURL(t *testing.T) {
	w, rec := newPushWorker(t)
	defer w.Close()
	n := Notification{Data: NotificationData{URL: "https://example.com/admin/orders/42"}}

	if err := w.HandleNotificationClick(context.Background(), n, ActionOpen); err != nil {
		t.Fatal(err)
	}
	// a click on the body has no action
	if err := w.HandleNotificationClick(context.Background(), Notification{}, ""); err != nil {
		t.Fatal(err)
	}
	if err := w.HandleNotificationClick(context.Background(), n, ActionClose); err != nil {
		t.Fatal(err)
	}

	if rec.closed != 3 {
		t.Fatalf("Closed %d notifications", rec.closed)
	}
	if len(rec.opened) != 2 || rec.opened[0] != n.Data.URL || rec.opened[1] != "https://example.com/admin/" {
		t.Fatalf("Opened %v", rec.opened)
	}
}

func TestDefaultNotifierBroadcasts(t *testing.T) {
	origin, _ := startOrigin(func(w http.ResponseWriter, r *http.Request) {})
	defer origin.Close()
	w, err := New(testConfig(origin, "v1"))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	client := w.Clients().Register("tab-1", 4)

	if err := w.HandlePush(context.Background(), []byte(`{"title":"Hi"}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.HandleNotificationClick(context.Background(), Notification{}, ActionOpen); err != nil {
		t.Fatal(err)
	}

	if msg, ok := (<-client.Messages()).(NotificationMessage); !ok || msg.Notification.Title != "Hi" {
		t.Fatalf("Message is %#v", msg)
	}
	if msg, ok := (<-client.Messages()).(OpenWindowMessage); !ok || msg.URL != origin.URL+"/app/" {
		t.Fatalf("Message is %#v", msg)
	}
}

func TestSyncRunsPendingDataHook(t *testing.T) {
	var synced int
	w, err := New(Config{
		Namespace: "app",
		Version:   "v1",
		Scope:     "https://example.com/",
		SyncPending: func(ctx context.Context) error {
			synced++
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.HandleSync(context.Background(), "sync-data"); err != nil {
		t.Fatal(err)
	}
	if err := w.HandleSync(context.Background(), "other"); err != nil {
		t.Fatal(err)
	}
	if synced != 1 {
		t.Fatalf("Synced %d times", synced)
	}
}

func TestSyncFailureIsReturned(t *testing.T) {
	failure := errors.New("backend unreachable")
	w, err := New(Config{
		Namespace:   "app",
		Version:     "v1",
		Scope:       "https://example.com/",
		SyncPending: func(ctx context.Context) error { return failure },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.HandleSync(context.Background(), SyncTagPendingData); !errors.Is(err, failure) {
		t.Fatalf("Error is %v", err)
	}
}
