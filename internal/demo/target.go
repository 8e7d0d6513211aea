// Package demo provides a sample root capability for the example
// server: an authentication/profile/notifications API shaped after the
// teacher's batch-pipelining example, adapted to the capnweb.Target
// interface so it can be exercised through real pipelined calls instead
// of a hand-rolled dispatch table.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capnweb-go/capnweb"
)

// User is a session's authenticated identity.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Profile is a user's public profile.
type Profile struct {
	ID  string `json:"id"`
	Bio string `json:"bio"`
}

// API is the root capability exposed by the example server. It supports
// the calls the batch-pipelining scenario in the specification walks
// through: authenticate (by session cookie) returns a user, whose id can
// be pipelined straight into getUserProfile and getNotifications without
// an intervening round trip. It also answers hello and serverTime.
type API struct {
	mu            sync.RWMutex
	sessions      map[string]User
	profiles      map[string]Profile
	notifications map[string][]string
}

// New builds an API populated with a couple of sample users.
func New() *API {
	a := &API{
		sessions:      make(map[string]User),
		profiles:      make(map[string]Profile),
		notifications: make(map[string][]string),
	}
	a.sessions["cookie-123"] = User{ID: "u_1", Name: "Ada Lovelace"}
	a.sessions["cookie-456"] = User{ID: "u_2", Name: "Alan Turing"}
	a.profiles["u_1"] = Profile{ID: "u_1", Bio: "Mathematician and writer."}
	a.profiles["u_2"] = Profile{ID: "u_2", Bio: "Mathematician and logician."}
	a.notifications["u_1"] = []string{"Welcome back, Ada!"}
	a.notifications["u_2"] = []string{"Welcome back, Alan!", "You have a new follower."}
	return a
}

// GetProperty implements capnweb.Target. The API exposes no plain
// properties, only methods; navigation always goes through Call.
func (a *API) GetProperty(name string) (any, error) {
	return nil, capnweb.NewWireError(capnweb.ErrNotFound, "no such property: "+name)
}

// Call implements capnweb.Target.
func (a *API) Call(ctx context.Context, path []any, args []any) (any, error) {
	if len(path) != 1 {
		return nil, capnweb.NewWireError(capnweb.ErrBadRequest, "expected a single method name")
	}
	method, _ := path[0].(string)
	switch method {
	case "hello":
		name := "World"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				name = s
			}
		}
		return fmt.Sprintf("Hello, %s!", name), nil

	case "authenticate":
		if len(args) < 1 {
			return nil, capnweb.NewWireError(capnweb.ErrBadRequest, "authenticate requires a session cookie")
		}
		cookie, _ := args[0].(string)
		a.mu.RLock()
		user, ok := a.sessions[cookie]
		a.mu.RUnlock()
		if !ok {
			return nil, capnweb.NewWireError(capnweb.ErrPermissionDenied, "invalid session cookie")
		}
		return map[string]any{"id": user.ID, "name": user.Name}, nil

	case "getUserProfile":
		if len(args) < 1 {
			return nil, capnweb.NewWireError(capnweb.ErrBadRequest, "getUserProfile requires a user id")
		}
		userID, _ := args[0].(string)
		a.mu.RLock()
		profile, ok := a.profiles[userID]
		a.mu.RUnlock()
		if !ok {
			return nil, capnweb.NewWireError(capnweb.ErrNotFound, "no such user: "+userID)
		}
		return map[string]any{"id": profile.ID, "bio": profile.Bio}, nil

	case "getNotifications":
		if len(args) < 1 {
			return nil, capnweb.NewWireError(capnweb.ErrBadRequest, "getNotifications requires a user id")
		}
		userID, _ := args[0].(string)
		a.mu.RLock()
		notes := append([]string(nil), a.notifications[userID]...)
		a.mu.RUnlock()
		out := make([]any, len(notes))
		for i, n := range notes {
			out[i] = n
		}
		return out, nil

	case "serverTime":
		return capnweb.NewDate(time.Now()), nil

	default:
		return nil, capnweb.NewWireError(capnweb.ErrNotFound, "no such method: "+method)
	}
}
