// Package api exposes the HTTP surface: conversation lifecycle,
// record streaming, permission mediation, system info and preferences.
package api

import (
	"database/sql"

	"github.com/cui-project/cui-server/config"
	"github.com/cui-project/cui-server/conversations"
	"github.com/cui-project/cui-server/log"
	"github.com/cui-project/cui-server/notifications"
	"github.com/cui-project/cui-server/permissions"
	"github.com/cui-project/cui-server/stream"
)

var logger = log.GetLogger("Api")

// Handlers carries the components the route handlers need.
type Handlers struct {
	cfg           *config.Config
	conversations *conversations.Service
	streams       *stream.Broadcaster
	permissions   *permissions.Mediator
	notifications *notifications.Service
	db            *sql.DB
}

// NewHandlers wires the handler set.
func NewHandlers(
	cfg *config.Config,
	svc *conversations.Service,
	streams *stream.Broadcaster,
	mediator *permissions.Mediator,
	notif *notifications.Service,
	conn *sql.DB,
) *Handlers {
	return &Handlers{
		cfg:           cfg,
		conversations: svc,
		streams:       streams,
		permissions:   mediator,
		notifications: notif,
		db:            conn,
	}
}
