package evo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// DefaultBirthTimeout bounds how long a remote birth request may take.
const DefaultBirthTimeout = 30 * time.Second

// Subject suffixes under the service's prefix.
const (
	subjectBirth = "birth"
	subjectScore = "score"
	subjectInfo  = "info"
	subjectDeath = "death"
)

type birthRequest struct {
	Population string      `json:"population,omitempty"`
	Parents    []uuid.UUID `json:"parents,omitempty"`
}

type birthReply struct {
	Individual *Individual     `json:"individual,omitempty"`
	Genome     json.RawMessage `json:"genome,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type telemetryMsg struct {
	Name  uuid.UUID         `json:"name"`
	Score string            `json:"score,omitempty"`
	Info  map[string]string `json:"info,omitempty"`
}

// NATSService is a Service client backed by a NATS connection. Births are
// request-reply; telemetry is published without waiting, matching the
// at-most-once delivery the event stream itself promises.
type NATSService struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewNATSService wires a client over an existing connection. The prefix
// namespaces the subjects, for example "npc.evo".
func NewNATSService(nc *nats.Conn, prefix string, timeout time.Duration) *NATSService {
	if timeout <= 0 {
		timeout = DefaultBirthTimeout
	}
	return &NATSService{nc: nc, prefix: prefix, timeout: timeout}
}

func (s *NATSService) subject(suffix string) string {
	return s.prefix + "." + suffix
}

// Birth requests a new individual from the remote evolution service.
func (s *NATSService) Birth(population string, parents []uuid.UUID) (*Individual, error) {
	body, err := json.Marshal(birthRequest{Population: population, Parents: parents})
	if err != nil {
		return nil, errors.WrapInvalid(err, "evo", "Birth", "encode request")
	}
	msg, err := s.nc.Request(s.subject(subjectBirth), body, s.timeout)
	if err != nil {
		return nil, errors.WrapRecoverable(err, "evo", "Birth", "request over nats")
	}
	var reply birthReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedField, err),
			"evo", "Birth", "decode reply")
	}
	if reply.Error != "" {
		return nil, errors.WrapRecoverable(
			fmt.Errorf("remote birth failed: %s", reply.Error),
			"evo", "Birth", "remote service")
	}
	if reply.Individual == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: reply without individual", errors.ErrMalformedField),
			"evo", "Birth", "decode reply")
	}
	reply.Individual.Genome = reply.Genome
	return reply.Individual, nil
}

// Score publishes a score report.
func (s *NATSService) Score(name uuid.UUID, score string) error {
	return s.publish(subjectScore, telemetryMsg{Name: name, Score: score})
}

// Info publishes an info fragment.
func (s *NATSService) Info(name uuid.UUID, info map[string]string) error {
	return s.publish(subjectInfo, telemetryMsg{Name: name, Info: info})
}

// Death publishes a death report. Duplicate detection happens on the
// serving side, so this never reports a duplicate itself.
func (s *NATSService) Death(name uuid.UUID) error {
	return s.publish(subjectDeath, telemetryMsg{Name: name})
}

func (s *NATSService) publish(suffix string, msg telemetryMsg) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "evo", "publish", "encode telemetry")
	}
	if err := s.nc.Publish(s.subject(suffix), body); err != nil {
		return errors.WrapRecoverable(err, "evo", "publish", "publish over nats")
	}
	return nil
}

// Server exposes a local Service over NATS. One server typically fronts an
// Evolution manager for remote environments.
type Server struct {
	subs []*nats.Subscription
}

// ServeNATS subscribes the service under the given prefix and serves until
// Close. Birth requests are answered; telemetry subjects are absorbed.
func ServeNATS(nc *nats.Conn, prefix string, svc Service) (*Server, error) {
	server := &Server{}
	subject := func(suffix string) string { return prefix + "." + suffix }

	sub, err := nc.Subscribe(subject(subjectBirth), func(msg *nats.Msg) {
		var req birthRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, birthReply{Error: err.Error()})
			return
		}
		ind, err := svc.Birth(req.Population, req.Parents)
		if err != nil {
			respond(msg, birthReply{Error: err.Error()})
			return
		}
		respond(msg, birthReply{Individual: ind, Genome: ind.Genome})
	})
	if err != nil {
		return nil, errors.Wrap(err, "evo", "ServeNATS", "subscribe birth")
	}
	server.subs = append(server.subs, sub)

	telemetry := func(suffix string, handle func(telemetryMsg) error) error {
		sub, err := nc.Subscribe(subject(suffix), func(msg *nats.Msg) {
			var tm telemetryMsg
			if err := json.Unmarshal(msg.Data, &tm); err != nil {
				return
			}
			// Duplicate deaths are expected from restarted environments.
			_ = handle(tm)
		})
		if err != nil {
			return errors.Wrap(err, "evo", "ServeNATS", "subscribe "+suffix)
		}
		server.subs = append(server.subs, sub)
		return nil
	}
	if err := telemetry(subjectScore, func(tm telemetryMsg) error {
		return svc.Score(tm.Name, tm.Score)
	}); err != nil {
		server.Close()
		return nil, err
	}
	if err := telemetry(subjectInfo, func(tm telemetryMsg) error {
		return svc.Info(tm.Name, tm.Info)
	}); err != nil {
		server.Close()
		return nil, err
	}
	if err := telemetry(subjectDeath, func(tm telemetryMsg) error {
		return svc.Death(tm.Name)
	}); err != nil {
		server.Close()
		return nil, err
	}
	return server, nil
}

func respond(msg *nats.Msg, reply birthReply) {
	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = msg.Respond(body)
}

// Close drops the server's subscriptions.
func (s *Server) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Drain flushes pending messages before dropping the subscriptions.
func (s *Server) Drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}
