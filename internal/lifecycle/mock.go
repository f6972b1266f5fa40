package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/domain"
)

// MockRemote is an in-memory domain.RemoteAPI for tests. It speaks the same
// JSON bodies as the real subscription endpoints.
type MockRemote struct {
	mu sync.Mutex

	// HubURL is returned as the notification channel of created subscriptions
	HubURL string

	next        int
	live        map[string]remoteSubscription
	createErrs  map[string]error
	renewErrs   map[string]error
	deleteErrs  map[string]error
	delay       time.Duration
	creates     []string
	renews      []string
	deletes     []string
	expirations map[string][]time.Time
}

// NewMockRemote creates an empty mock backend
func NewMockRemote() *MockRemote {
	return &MockRemote{
		HubURL:      "https://hub.example.test/notifications",
		live:        make(map[string]remoteSubscription),
		createErrs:  make(map[string]error),
		renewErrs:   make(map[string]error),
		deleteErrs:  make(map[string]error),
		expirations: make(map[string][]time.Time),
	}
}

// SetCreateError makes creates for resource fail with err. A nil err clears it.
func (m *MockRemote) SetCreateError(resource string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.createErrs, resource)
		return
	}
	m.createErrs[resource] = err
}

// SetRenewError makes renewals of subscription id fail with err
func (m *MockRemote) SetRenewError(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.renewErrs, id)
		return
	}
	m.renewErrs[id] = err
}

// SetDeleteError makes deletes of subscription id fail with err
func (m *MockRemote) SetDeleteError(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErrs[id] = err
}

// SetDelay delays every call, to widen race windows in tests
func (m *MockRemote) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Forget drops a subscription as if it expired server side
func (m *MockRemote) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
}

func (m *MockRemote) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.delay
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post creates a subscription
func (m *MockRemote) Post(ctx context.Context, path string, body any, out any) error {
	if err := m.wait(ctx); err != nil {
		return err
	}

	var req createRequest
	if err := convert(body, &req); err != nil {
		return err
	}

	m.mu.Lock()
	m.creates = append(m.creates, req.Resource)
	if err, ok := m.createErrs[req.Resource]; ok {
		m.mu.Unlock()
		return err
	}
	if path != subscriptionsPath {
		m.mu.Unlock()
		return &domain.RemoteError{StatusCode: http.StatusNotFound, Message: "no such endpoint " + path}
	}

	m.next++
	_, groupID, _ := strings.Cut(req.NotificationURL, "?groupId=")
	sub := remoteSubscription{
		ID:                 fmt.Sprintf("sub-%d", m.next),
		Resource:           req.Resource,
		ChangeType:         req.ChangeType,
		NotificationURL:    "websockets:" + m.HubURL + "?groupid=" + groupID + "&sessionid=default",
		ExpirationDateTime: req.ExpirationDateTime,
		ClientState:        req.ClientState,
	}
	m.live[sub.ID] = sub
	m.mu.Unlock()

	return convert(sub, out)
}

// Patch renews a subscription
func (m *MockRemote) Patch(ctx context.Context, path string, body any, out any) error {
	if err := m.wait(ctx); err != nil {
		return err
	}

	var req renewRequest
	if err := convert(body, &req); err != nil {
		return err
	}
	id := strings.TrimPrefix(path, subscriptionsPath+"/")

	m.mu.Lock()
	m.renews = append(m.renews, id)
	if err, ok := m.renewErrs[id]; ok {
		m.mu.Unlock()
		return err
	}
	sub, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return &domain.RemoteError{StatusCode: http.StatusNotFound, Code: "ResourceNotFound", Message: "subscription not found"}
	}
	sub.ExpirationDateTime = req.ExpirationDateTime
	m.live[id] = sub
	m.expirations[id] = append(m.expirations[id], req.ExpirationDateTime)
	m.mu.Unlock()

	return convert(sub, out)
}

// Delete removes a subscription
func (m *MockRemote) Delete(ctx context.Context, path string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	id := strings.TrimPrefix(path, subscriptionsPath+"/")

	m.mu.Lock()
	defer m.mu.Unlock()

	m.deletes = append(m.deletes, id)
	if err, ok := m.deleteErrs[id]; ok {
		return err
	}
	if _, ok := m.live[id]; !ok {
		return &domain.RemoteError{StatusCode: http.StatusNotFound, Message: "subscription not found"}
	}
	delete(m.live, id)
	return nil
}

// Creates returns the resource of every create call so far
func (m *MockRemote) Creates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.creates...)
}

// Renews returns the subscription id of every renew call so far
func (m *MockRemote) Renews() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.renews...)
}

// Deletes returns the subscription id of every delete call so far
func (m *MockRemote) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// Live returns the ids of subscriptions that exist remotely, sorted
func (m *MockRemote) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expirations returns every expiration requested by renewals of id
func (m *MockRemote) Expirations(id string) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.expirations[id]...)
}

func convert(in, out any) error {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
