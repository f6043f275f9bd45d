package server

import (
	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/tabs"
)

// Broadcast sends a message to all connected clients.
// This method is non-blocking; messages are queued for delivery.
// If the server has been stopped, this method does nothing.
func (s *Server) Broadcast(msg Message) {
	// Hold RLock through the send so Stop cannot close the channel under us.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// onTabEvent forwards tab store changes to every client.
func (s *Server) onTabEvent(ev tabs.Event) {
	msg, ok := messageForEvent(ev, s.editor.Store().Snapshot)
	if !ok {
		return
	}
	s.Broadcast(msg)
}

// runBroadcaster reads from the broadcast channel and sends to all clients.
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			select {
			case <-client.done:
			case client.send <- msg:
			default:
				// Slow clients miss messages; the next snapshot or tab event
				// carries full state again.
				s.logger.Warn("client send buffer full, dropping message",
					zap.String("client", client.id),
					zap.String("type", string(msg.Type)))
			}
		}
		s.mu.RUnlock()
	}
}
