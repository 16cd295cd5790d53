package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecli/btlite/internal/metrics"
	"github.com/edgecli/btlite/internal/radio"
)

var errUnexpectedMessage = errors.New("discovery: unexpected message type")

// runInitiator visits one peer for a queued task, then re-arms the coordinator
func (s *Service) runInitiator(task Task) {
	defer func() {
		s.advance()
		s.wg.Done()
	}()

	role := metrics.RoleDiscover
	if task.Action == ActionAdvertise {
		role = metrics.RoleAdvertise
	}
	logger := s.logger.With(
		zap.String("peer", task.Peer),
		zap.Stringer("action", task.Action),
		zap.String("payload", task.Payload),
	)

	if s.adapter.IsScanning() {
		if err := s.adapter.CancelScan(); err != nil {
			logger.Debug("Cancel scan failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	sock, err := s.adapter.Dial(ctx, task.Peer, NameServiceUUID)
	if err != nil {
		logger.Warn("Name service dial failed", zap.Error(err))
		s.metrics.Sessions.WithLabelValues(role, metrics.OutcomeDialFailed).Inc()
		return
	}
	defer sock.Close()
	// Unblocks a stalled read once the session deadline passes
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	err = s.exchange(task, sock)
	s.metrics.Sessions.WithLabelValues(role, outcome(err)).Inc()
	if err != nil {
		logger.Warn("Name service session failed", zap.Error(err))
		return
	}
	logger.Debug("Name service session complete")
}

func (s *Service) exchange(task Task, sock radio.Socket) error {
	guid := s.controller.GlobalGUID()
	svc := s.serviceID.String()

	switch task.Action {
	case ActionAdvertise:
		return WriteMessage(sock, NewAdvertise(guid, svc, task.Payload))

	case ActionDiscover:
		if err := WriteMessage(sock, NewDiscoverRequest(task.Payload)); err != nil {
			return err
		}
		reply, err := ReadMessage(sock)
		if err != nil {
			return err
		}
		if reply.Type != MessageTypeDiscoverReply {
			return fmt.Errorf("%w: got %s", errUnexpectedMessage, reply.Type)
		}
		return s.handleFound(reply, sock)

	default:
		return fmt.Errorf("unknown action %d", task.Action)
	}
}

// runAcceptor answers one session opened by a peer. It never touches the
// coordinator.
func (s *Service) runAcceptor(sock radio.Socket) {
	defer s.wg.Done()
	defer sock.Close()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	logger := s.logger.With(zap.String("peer", sock.RemoteAddr()))

	err := s.answer(sock)
	s.metrics.Sessions.WithLabelValues(metrics.RoleAcceptor, outcome(err)).Inc()
	if err != nil {
		logger.Warn("Name service request failed", zap.Error(err))
	}
}

func (s *Service) answer(sock radio.Socket) error {
	msg, err := ReadMessage(sock)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MessageTypeAdvertise:
		return s.handleFound(msg, sock)
	case MessageTypeDiscoverRequest:
		matched := s.advertised.MatchPrefix(msg.Names)
		reply := NewDiscoverReply(s.controller.GlobalGUID(), s.serviceID.String(), matched)
		return WriteMessage(sock, reply)
	default:
		return fmt.Errorf("%w: got %s", errUnexpectedMessage, msg.Type)
	}
}

// handleFound records the sender's service and reports its names upward.
// Messages without names carry nothing to report.
func (s *Service) handleFound(msg *Message, sock radio.Socket) error {
	if msg.Names == "" {
		return nil
	}
	svc, err := uuid.Parse(msg.ServiceID)
	if err != nil {
		return fmt.Errorf("%w: service id %q", ErrMalformedMessage, msg.ServiceID)
	}

	addr := sock.RemoteAddr()
	s.records.Upsert(addr, svc)
	s.controller.FoundName(msg.Names, msg.GUID, addr, strconv.Itoa(sock.Channel()))
	s.metrics.FoundNames.Inc()

	s.logger.Info("Found names",
		zap.String("names", msg.Names),
		zap.String("guid", msg.GUID),
		zap.String("peer", addr),
		zap.Stringer("service", svc),
	)
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, errUnexpectedMessage):
		return metrics.OutcomeProtocolFail
	default:
		return metrics.OutcomeIOError
	}
}
