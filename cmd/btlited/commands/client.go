package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/edgecli/btlite/internal/bridge"
	"github.com/edgecli/btlite/internal/control"
	"github.com/edgecli/btlite/internal/ui"
)

const callTimeout = 10 * time.Second

// dialControl connects to the daemon named by --addr or the config file
func dialControl(cmd *cobra.Command) (*control.Client, func(), error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, nil, err
		}
		addr = cfg.ControlAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return control.NewClient(conn), func() { conn.Close() }, nil
}

// withClient runs fn against the daemon with a bounded call context
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	c, closeFn, err := dialControl(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return describe(fn(ctx, c))
}

// describe turns a gRPC status into a plain error for the terminal
func describe(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Unavailable && strings.Contains(st.Message(), "connection refused") {
		return errors.New("daemon is not running (start it with \"btlited serve\")")
	}
	return errors.New(st.Message())
}

var advertiseCmd = &cobra.Command{
	Use:   "advertise NAME",
	Short: "Advertise a well-known name to paired peers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			if _, err := c.Advertise(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(ui.RenderSuccess("Advertising " + args[0]))
			return nil
		})
	},
}

var unadvertiseCmd = &cobra.Command{
	Use:   "unadvertise NAME",
	Short: "Stop advertising one entry of a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			removed, err := c.Unadvertise(ctx, args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Println(ui.RenderDim(args[0] + " was not advertised"))
				return nil
			}
			fmt.Println(ui.RenderSuccess("Removed " + args[0]))
			return nil
		})
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate PREFIX",
	Short: "Ask paired peers for names starting with PREFIX",
	Long: `Queue a discovery session with every paired peer. With --wait, stay
attached and print names found until the wait elapses.`,
	Args: cobra.ExactArgs(1),
	RunE: runLocate,
}

func init() {
	locateCmd.Flags().Duration("wait", 0, "Print found names for this long")
}

func runLocate(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetDuration("wait")
	c, closeFn, err := dialControl(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout+wait)
	defer cancel()

	// Subscribe first so nothing found by this locate is missed
	var events grpc.ServerStreamingClient[structpb.Struct]
	if wait > 0 {
		if events, err = c.Events(ctx); err != nil {
			return describe(err)
		}
	}
	if err := c.Locate(ctx, args[0]); err != nil {
		return describe(err)
	}
	if wait == 0 {
		fmt.Println(ui.RenderSuccess("Discovery queued for " + args[0]))
		return nil
	}

	started := time.Now()
	spinner := ui.NewSpinner("Looking for " + args[0] + "…")
	if ui.IsTTY() {
		spinner.Start()
		defer spinner.Stop()
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, wait)
	defer waitCancel()
	go func() {
		<-waitCtx.Done()
		cancel()
	}()

	found := 0
	for {
		msg, err := events.Recv()
		if err != nil {
			if waitCtx.Err() != nil || errors.Is(err, io.EOF) {
				break
			}
			return describe(err)
		}
		ev := msg.AsMap()
		if ev["kind"] != "found_name" || !eventAfter(ev, started) {
			continue
		}
		found++
		spinner.Stop()
		fmt.Println(ui.RenderEvent(ev))
		fmt.Println("  " + ui.RenderDim("spec: "+bridge.FormatConnectSpec(fmt.Sprint(ev["addr"]), fmt.Sprint(ev["port"]))))
		if ui.IsTTY() {
			spinner.SetMessage(fmt.Sprintf("Looking for %s… %d found", args[0], found))
			spinner.Start()
		}
	}
	spinner.Stop()
	fmt.Println(ui.RenderDim(fmt.Sprintf("%d name set(s) reported", found)))
	return nil
}

// eventAfter drops replayed events older than the locate call
func eventAfter(ev map[string]interface{}, t time.Time) bool {
	s, _ := ev["time"].(string)
	at, err := time.Parse(time.RFC3339Nano, s)
	return err != nil || !at.Before(t)
}

var stopDiscoveryCmd = &cobra.Command{
	Use:   "stop-discovery PREFIX",
	Short: "Drop queued discovery sessions for PREFIX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			return c.StopDiscovery(ctx, args[0])
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect SPEC",
	Short: "Bridge a discovered peer onto the local address",
	Long: `Open a bridge to a discovered peer. SPEC has the form
"addr=<radio address>,port=<channel>", as printed by "locate --wait".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			id, err := c.Connect(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(ui.RenderSuccess("Connected, endpoint " + id))
			return nil
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect SPEC",
	Short: "Tear down every bridge opened with SPEC",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			n, err := c.Disconnect(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%d endpoint(s) closed\n", n)
			return nil
		})
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit ENDPOINT",
	Short: "Tear down one bridge endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			return c.EndpointExit(ctx, args[0])
		})
	},
}

var discoverableCmd = &cobra.Command{
	Use:   "discoverable",
	Short: "Make the daemon's radio visible to peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			return c.EnsureDiscoverable(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state, service records and endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Print(ui.RenderStatus(st.AsMap()))
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recent and live daemon events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, closeFn, err := dialControl(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		stream, err := c.Events(cmd.Context())
		if err != nil {
			return describe(err)
		}
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if status.Code(err) == codes.Canceled {
					return nil
				}
				return describe(err)
			}
			fmt.Println(ui.RenderEvent(msg.AsMap()))
		}
	},
}

