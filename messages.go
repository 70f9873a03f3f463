package shellcache

import (
	"context"
)

// Control channel commands.
const (
	CommandSkipWaiting   = "SKIP_WAITING"
	CommandCheckUpdate   = "CHECK_UPDATE"
	CommandClearCache    = "CLEAR_CACHE"
	CommandNetworkStatus = "NETWORK_STATUS"
)

// Message is a command sent to the worker over the control channel.
type Message struct {
	Type string `json:"type"`
	// Online is the connectivity state relayed by NETWORK_STATUS.
	Online *bool `json:"online,omitempty"`
	// Source is the ID of the sending client. It is excluded from relayed broadcasts.
	Source string `json:"source,omitempty"`
}

// Reply is the answer to a control command.
// CHECK_UPDATE sets Version, CLEAR_CACHE sets Success and, on failure, Error.
type Reply struct {
	Version string `json:"version,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleMessage executes a control command.
// Commands that answer send exactly one reply on the given channel, which may be nil.
// Unknown commands are ignored without a reply.
func (w *Worker) HandleMessage(ctx context.Context, msg Message, reply chan<- Reply) {
	logger := w.log.With().Str("command", msg.Type).Logger()

	switch msg.Type {
	case CommandSkipWaiting:
		logger.Debug().Msg("Skip waiting requested")
		if err := w.SkipWaiting(ctx); err != nil {
			logger.Error().Err(err).Msg("Could not activate")
		}

	case CommandCheckUpdate:
		logger.Debug().Msg("Version requested")
		send(ctx, reply, Reply{Version: w.cfg.Version})

	case CommandClearCache:
		logger.Debug().Msg("Clearing store")
		_, err := w.ClearCache()
		success := err == nil
		r := Reply{Success: &success}
		if err != nil {
			logger.Error().Err(err).Msg("Could not clear store")
			r.Error = err.Error()
		}
		send(ctx, reply, r)

	case CommandNetworkStatus:
		if msg.Online == nil {
			logger.Debug().Msg("Network status without online flag, ignoring")
			return
		}
		delivered := w.clients.Broadcast(newNetworkStatusMessage(*msg.Online), msg.Source)
		logger.Debug().Bool("online", *msg.Online).Int("clients", delivered).Msg("Network status relayed")

	default:
		logger.Trace().Msg("Unknown command, ignoring")
	}
}

// ClearCache deletes the current store with all of its entries.
// It reports whether a store was removed; clearing an absent store succeeds.
func (w *Worker) ClearCache() (bool, error) {
	deleted, err := w.cache.Delete(w.storeName)
	if err != nil {
		return false, err
	}
	w.log.Info().Bool("deleted", deleted).Msg("Store cleared")
	return deleted, nil
}

func send(ctx context.Context, reply chan<- Reply, r Reply) {
	if reply == nil {
		return
	}
	select {
	case reply <- r:
	case <-ctx.Done():
	}
}
