package room

import (
	"errors"

	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

// ErrRoomClosed is returned when a connection reaches a room that is
// already shutting down.
var ErrRoomClosed = errors.New("room closed")

var (
	errAlreadyJoined = models.ErrConflict.WithMessage("peer already joined")
	errNotJoined     = models.ErrForbidden.WithMessage("peer not yet joined")
	errBadSecret     = models.ErrForbidden.WithMessage("operation not allowed")
)

func notFound(kind, id string) error {
	return models.ErrNotFound.WithMessage("%s with id %q not found", kind, id)
}

// engineError maps engine failures onto the API error taxonomy.
func engineError(err error) error {
	var apiErr models.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return models.ErrNotFound.WithMessage("%s", err.Error())
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrUnsupported),
		errors.Is(err, engine.ErrCannotConsume):
		return models.ErrInvalidRequest.WithMessage("%s", err.Error())
	case errors.Is(err, engine.ErrClosed):
		return models.ErrConflict.WithMessage("%s", err.Error())
	}
	return models.ErrInternalServer.WithMessage("%s", err.Error())
}
