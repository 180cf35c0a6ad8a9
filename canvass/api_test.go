package canvass

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// auth that rotates to a fresh token on refresh
type refreshAuth struct {
	mutex        sync.Mutex
	token        string
	nextToken    string
	refreshCount int
	logoutCount  int
}

func (self *refreshAuth) Token(ctx context.Context) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.token, nil
}

func (self *refreshAuth) AuthHeader(ctx context.Context) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.token == "" {
		return "", ErrAuthRequired
	}
	return "Bearer " + self.token, nil
}

func (self *refreshAuth) RefreshToken(ctx context.Context) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.refreshCount += 1
	if self.nextToken == "" {
		return "", errors.New("refresh failed")
	}
	self.token = self.nextToken
	return self.token, nil
}

func (self *refreshAuth) Logout(ctx context.Context) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.logoutCount += 1
	self.token = ""
	return nil
}

func TestApiBearerHeader(t *testing.T) {
	ctx := context.Background()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]*Company{})
	}))
	defer server.Close()

	api := NewCanvassApi(ctx, server.URL, NewStaticAuth("test-token"))
	defer api.Close()

	companies, err := api.GetAllCompaniesSync(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(companies), 0)
	assert.Equal(t, gotAuth, "Bearer test-token")
}

func TestApiRefreshRetryOnce(t *testing.T) {
	ctx := context.Background()

	// the first token is expired. the refreshed token is accepted.
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests += 1
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]*Company{{Id: NewId(), Name: "Acme"}})
	}))
	defer server.Close()

	auth := &refreshAuth{
		token:     "stale-token",
		nextToken: "fresh-token",
	}
	api := NewCanvassApi(ctx, server.URL, auth)
	defer api.Close()

	companies, err := api.GetAllCompaniesSync(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(companies), 1)
	assert.Equal(t, requests, 2)
	assert.Equal(t, auth.refreshCount, 1)
	assert.Equal(t, auth.logoutCount, 0)
}

func TestApiPersistentUnauthorizedLogsOut(t *testing.T) {
	ctx := context.Background()

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests += 1
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	auth := &refreshAuth{
		token:     "stale-token",
		nextToken: "still-stale-token",
	}
	api := NewCanvassApi(ctx, server.URL, auth)
	defer api.Close()

	_, err := api.GetAllCompaniesSync(ctx)
	assert.Equal(t, errors.Is(err, ErrAuthRequired), true)
	assert.Equal(t, requests, 2)
	assert.Equal(t, auth.refreshCount, 1)
	assert.Equal(t, auth.logoutCount, 1)
}

func TestApiFailedRefreshLogsOut(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	auth := &refreshAuth{
		token: "stale-token",
		// no next token. refresh fails.
	}
	api := NewCanvassApi(ctx, server.URL, auth)
	defer api.Close()

	_, err := api.GetAllCompaniesSync(ctx)
	assert.Equal(t, errors.Is(err, ErrAuthRequired), true)
	assert.Equal(t, auth.logoutCount, 1)
}

func TestApiErrorBodyIsMessage(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Company not found.", http.StatusNotFound)
	}))
	defer server.Close()

	api := NewCanvassApi(ctx, server.URL, NewStaticAuth("test-token"))
	defer api.Close()

	_, err := api.UpdateCompanySync(ctx, NewId(), &UpdateCompanyArgs{})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "Company not found.")
}

func TestApiDeleteNoContent(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, "DELETE")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	api := NewCanvassApi(ctx, server.URL, NewStaticAuth("test-token"))
	defer api.Close()

	err := api.DeleteBusinessSync(ctx, NewId())
	assert.Equal(t, err, nil)
}

func TestApiAssignEndpoints(t *testing.T) {
	ctx := context.Background()

	businessId := NewId()
	userId := NewId()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /businesses/"+businessId.String()+"/assign", func(w http.ResponseWriter, r *http.Request) {
		args := &assignUserArgs{}
		json.NewDecoder(r.Body).Decode(args)
		assert.Equal(t, args.UserId, userId)
		assignedUserId := args.UserId
		json.NewEncoder(w).Encode(&Business{
			Id:             businessId,
			AssignedUserId: &assignedUserId,
		})
	})
	mux.HandleFunc("POST /businesses/"+businessId.String()+"/unassign", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&Business{
			Id: businessId,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewCanvassApi(ctx, server.URL, NewStaticAuth("test-token"))
	defer api.Close()

	business, err := api.AssignBusinessSync(ctx, businessId, userId)
	assert.Equal(t, err, nil)
	assert.Equal(t, *business.AssignedUserId, userId)

	business, err = api.UnassignBusinessSync(ctx, businessId)
	assert.Equal(t, err, nil)
	assert.Equal(t, business.AssignedUserId, nil)
}

func TestApiApprovalEndpoints(t *testing.T) {
	ctx := context.Background()

	userId := NewId()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/pending", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*User{{Id: userId, Username: "pending"}})
	})
	mux.HandleFunc("POST /users/"+userId.String()+"/approve", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&User{Id: userId, IsApproved: true})
	})
	mux.HandleFunc("POST /users/"+userId.String()+"/reject", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewCanvassApi(ctx, server.URL, NewStaticAuth("test-token"))
	defer api.Close()

	pending, err := api.GetPendingUsersSync(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 1)

	approved, err := api.ApproveUserSync(ctx, userId)
	assert.Equal(t, err, nil)
	assert.Equal(t, approved.IsApproved, true)

	err = api.RejectUserSync(ctx, userId)
	assert.Equal(t, err, nil)
}

func TestBlockingApiCallback(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*Business{{Id: NewId(), Name: "Corner Bakery"}})
	}))
	defer server.Close()

	api := NewCanvassApi(ctx, server.URL, NewStaticAuth("test-token"))
	defer api.Close()

	callback, c := NewBlockingApiCallback[[]*Business]()
	api.GetAllBusinesses(callback)

	select {
	case r := <-c:
		assert.Equal(t, r.Error, nil)
		assert.Equal(t, len(r.Result), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback")
	}
}
