// Package console implements the operator command console. It reads
// line-oriented commands from an input stream (stdin in production) and
// drives the relay registry: inspecting rooms, messaging clients, and
// shutting the relay down.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/openshipyard/anchor/internal/protocol"
	"github.com/openshipyard/anchor/internal/relay"
)

// StatsSource exposes the counters the stats command reports.
type StatsSource interface {
	OnlineCount() int
	GamesCompletedCount() int
	UniquePlayerCount() int
}

// Service reads operator commands until its input is exhausted or Stop is
// called. The shutdown callback is invoked exactly once when the operator
// issues the stop command.
type Service struct {
	reg      *relay.Registry
	stats    StatsSource
	in       io.Reader
	out      io.Writer
	logger   *zap.Logger
	shutdown func()

	quit     chan struct{}
	stopOnce sync.Once
	downOnce sync.Once
}

// NewService creates a console service.
//
// Precondition: reg, in, out, and logger must be non-nil. stats may be nil
// when no collector is configured; shutdown may be nil.
func NewService(reg *relay.Registry, stats StatsSource, in io.Reader, out io.Writer, shutdown func(), logger *zap.Logger) *Service {
	return &Service{
		reg:      reg,
		stats:    stats,
		in:       in,
		out:      out,
		logger:   logger,
		shutdown: shutdown,
		quit:     make(chan struct{}),
	}
}

// Name returns the service name for lifecycle logging.
func (s *Service) Name() string { return "console" }

// Start runs the command loop until the input stream ends or Stop is called.
//
// Postcondition: Returns nil on clean EOF or stop, otherwise the read error.
func (s *Service) Start() error {
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		select {
		case <-s.quit:
			return nil
		default:
		}
		s.Execute(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading console input: %w", err)
	}
	return nil
}

// Stop makes the command loop exit after the current line.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// Execute runs a single operator command line.
func (s *Service) Execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		s.printHelp()
	case "stats":
		s.printStats()
	case "quiet":
		quiet := s.reg.ToggleQuiet()
		s.printf("quiet mode %s\n", onOff(quiet))
	case "roomCount":
		s.printf("%d\n", s.reg.RoomCount())
	case "clientCount":
		s.printf("%d\n", s.reg.SessionCount())
	case "list":
		s.printRooms()
	case "message":
		s.messageOne(args)
	case "messageAll":
		if len(args) == 0 {
			s.printf("usage: messageAll <message>\n")
			return
		}
		s.reg.Broadcast(protocol.ServerMessage(strings.Join(args, " ")))
	case "disable":
		s.disableOne(args)
	case "disableAll":
		msg := strings.Join(args, " ")
		for _, sess := range s.reg.Sessions() {
			s.disable(sess, msg)
		}
	case "stop":
		s.reg.DisconnectAll(strings.Join(args, " "))
		s.downOnce.Do(func() {
			if s.shutdown != nil {
				s.shutdown()
			}
		})
	default:
		s.printf("unknown command %q, try help\n", cmd)
	}
}

func (s *Service) messageOne(args []string) {
	if len(args) < 2 {
		s.printf("usage: message <clientId> <message>\n")
		return
	}
	sess, ok := s.lookup(args[0])
	if !ok {
		return
	}
	_ = sess.Send(protocol.ServerMessage(strings.Join(args[1:], " ")))
}

func (s *Service) disableOne(args []string) {
	if len(args) < 1 {
		s.printf("usage: disable <clientId> [message]\n")
		return
	}
	sess, ok := s.lookup(args[0])
	if !ok {
		return
	}
	s.disable(sess, strings.Join(args[1:], " "))
}

// disable tells one client to stop using the relay. The explanation goes
// out first so it is on the wire before the client reacts to the disable.
func (s *Service) disable(sess *relay.Session, message string) {
	if message != "" {
		_ = sess.Send(protocol.ServerMessage(message))
	}
	_ = sess.Send(protocol.DisableAnchor())
	s.logger.Info("client disabled", zap.Int64("client_id", sess.ID()))
}

func (s *Service) lookup(arg string) (*relay.Session, bool) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		s.printf("bad client id %q\n", arg)
		return nil, false
	}
	sess, ok := s.reg.Session(id)
	if !ok {
		s.printf("no client with id %d\n", id)
		return nil, false
	}
	return sess, true
}

func (s *Service) printHelp() {
	s.printf(`commands:
  help                      show this help
  stats                     show relay statistics
  quiet                     toggle per-packet logging
  roomCount                 number of active rooms
  clientCount               number of connected clients
  list                      list rooms and their members
  message <id> <message>    send a server message to one client
  messageAll <message>      send a server message to every client
  disable <id> [message]    tell one client to stop using the relay
  disableAll [message]      tell every client to stop using the relay
  stop [message]            disconnect everyone and shut down
`)
}

func (s *Service) printStats() {
	if s.stats == nil {
		s.printf("stats collection is disabled\n")
		return
	}
	s.printf("online: %d, unique players: %d, games completed: %d\n",
		s.stats.OnlineCount(), s.stats.UniquePlayerCount(), s.stats.GamesCompletedCount())
}

func (s *Service) printRooms() {
	rooms := s.reg.RoomsSnapshot()
	if len(rooms) == 0 {
		s.printf("no active rooms\n")
		return
	}
	for _, room := range rooms {
		s.printf("room %s (%d members)\n", room.ID, len(room.Members))
		for _, member := range room.Members {
			s.printf("  client %d\n", member.ID)
		}
	}
}

func (s *Service) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
