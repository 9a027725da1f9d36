package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellojam/internal/collab"
	"github.com/dropDatabas3/hellojam/internal/config"
	"github.com/dropDatabas3/hellojam/internal/crdt"
	"github.com/dropDatabas3/hellojam/internal/crdt/memroom"
	"github.com/dropDatabas3/hellojam/internal/crdt/redisroom"
	"github.com/dropDatabas3/hellojam/internal/mesh"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
	"github.com/dropDatabas3/hellojam/internal/transport"
	"github.com/dropDatabas3/hellojam/internal/transport/memnet"
	"github.com/dropDatabas3/hellojam/internal/transport/wsnet"
)

func newJoinCmd(cfg func() *config.Config) *cobra.Command {
	var room, user, design string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Entra a una sala con un editor de líneas en la terminal",
		Long: `Cada línea tipeada se agrega al buffer compartido. Comandos:
  :eval   dispara evaluate en todos los peers
  :peers  lista los peers remotos
  :info   muestra estado, peers y si somos autoridad
  :show   imprime el buffer
  :quit   sale`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if room != "" {
				c.Session.LobbyID = room
			}
			if user != "" {
				c.Session.Username = user
			}
			if design != "" {
				c.Session.Design = strings.ToLower(design)
			}
			if err := c.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "id de sala (default session.lobby_id)")
	cmd.Flags().StringVar(&user, "user", "", "nombre visible (default session.username o aleatorio)")
	cmd.Flags().StringVar(&design, "design", "", "mesh|crdt (default session.design)")
	return cmd
}

// newSession arma la sesión del diseño configurado. cleanup libera el backend.
func newSession(c *config.Config, editor collab.Editor, log *zap.Logger) (collab.Session, func(), error) {
	switch c.Session.Design {
	case config.DesignCRDT:
		var backend crdt.Backend
		cleanup := func() {}
		if c.Presence.Kind == config.PresenceRedis {
			rb, err := redisroom.New(redisroom.Config{
				Addr:        c.Presence.Redis.Addr,
				Password:    c.Presence.Redis.Password,
				DB:          c.Presence.Redis.DB,
				Prefix:      c.Presence.Redis.Prefix,
				PresenceTTL: c.PresenceTTL(),
			})
			if err != nil {
				return nil, nil, err
			}
			backend = rb
			cleanup = func() { _ = rb.Close() }
		} else {
			backend = memroom.New(memroom.Options{PresenceTTL: c.PresenceTTL(), SyncDelay: c.Timings().SyncDelay})
		}
		s, err := crdt.New(crdt.Options{Backend: backend, Editor: editor, Timings: c.Timings(), Logger: log.Named("crdt")})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		return s, cleanup, nil

	default:
		var network transport.Network
		if c.Transport.BrokerURL != "" {
			network = wsnet.New(c.Transport.BrokerURL, uint64(c.Transport.DialRetries), log.Named("wsnet"))
		} else {
			log.Warn("transport.broker_url empty, using in-process network (solo only)")
			network = memnet.New()
		}
		s, err := mesh.New(mesh.Options{Network: network, Editor: editor, Timings: c.Timings(), Logger: log.Named("mesh")})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func runJoin(ctx context.Context, c *config.Config, in io.Reader, out io.Writer) error {
	log := logger.With(logger.Design(c.Session.Design), logger.Room(c.Session.LobbyID))
	buf := collab.NewBuffer("")
	s, cleanup, err := newSession(c, buf, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ev := s.Events()
	defer ev.OnStatusChange(func(info collab.ConnectionInfo) {
		fmt.Fprintf(out, "* status: %s (peers=%d authority=%t)\n", info.Status, info.PeerCount, info.IsAuthority)
	})()
	defer ev.OnEvaluate(func(e collab.EvaluateEvent) {
		from := e.From
		if from == "" {
			from = "?"
		}
		fmt.Fprintf(out, "* evaluate from %s\n%s\n", from, buf.Text())
	})()

	if err := s.Connect(ctx, c.Session.LobbyID, c.Session.Username); err != nil {
		return err
	}
	defer s.Disconnect()

	g, gctx := errgroup.WithContext(ctx)
	if c.Metrics.Addr != "" {
		srv := metricsServer(c.Metrics.Addr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if quit := handleLine(s, buf, line, out); quit {
					return errQuit
				}
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

func handleLine(s collab.Session, buf *collab.Buffer, line string, out io.Writer) bool {
	switch strings.TrimSpace(line) {
	case ":quit", ":q":
		return true
	case ":eval":
		s.BroadcastEvaluate()
	case ":peers":
		peers := s.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(out, "(sin peers)")
		}
		for _, p := range peers {
			fmt.Fprintf(out, "  %s  %s  %s\n", p.ID, p.Name, p.Color)
		}
	case ":info":
		info := s.ConnectionInfo()
		fmt.Fprintf(out, "status=%s peers=%d authority=%t\n", info.Status, info.PeerCount, info.IsAuthority)
	case ":show":
		fmt.Fprintln(out, buf.Text())
	default:
		buf.Append(line + "\n")
	}
	return false
}
