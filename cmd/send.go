package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <endpoint> <payload>",
	Short: "Boot a coprocessor and send one message to an endpoint",
	Long: `Boot the configured coprocessor and send a 64-bit payload to an endpoint.
Numbers accept 0x, 0o and 0b prefixes. An application endpoint that is not
yet started is started first. With --wait the first message received on the
same endpoint is printed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", args[0], err)
		}
		payload, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid payload %q: %w", args[1], err)
		}
		endpoint := uint8(ep)

		ctx := cmd.Context()
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		replies := make(chan uint64, 1)
		s.core.SetReceiveCallback(func(from uint8, data uint64) {
			if from != endpoint {
				return
			}
			select {
			case replies <- data:
			default:
			}
		})

		if err := s.boot(ctx); err != nil {
			return err
		}
		if !s.core.EndpointPresent(endpoint) {
			return fmt.Errorf("endpoint %s not advertised by %s", protocol.EndpointName(endpoint), cfg.Name)
		}
		if protocol.IsAppEndpoint(endpoint) && !startedIn(s, endpoint) {
			if err := s.core.StartEndpoint(ctx, endpoint); err != nil {
				return err
			}
		}
		if err := s.core.SendWait(ctx, endpoint, payload); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent 0x%016x to %s\n", payload, protocol.EndpointName(endpoint))

		if sendWait <= 0 {
			return nil
		}
		select {
		case data := <-replies:
			fmt.Fprintf(cmd.OutOrStdout(), "reply 0x%016x from %s\n", data, protocol.EndpointName(endpoint))
			return nil
		case <-time.After(sendWait):
			return fmt.Errorf("no reply from %s within %v", protocol.EndpointName(endpoint), sendWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

func startedIn(s *session, ep uint8) bool {
	for _, e := range s.core.Snapshot().Endpoints {
		if e.ID == ep {
			return e.Started
		}
	}
	return false
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "wait this long for a reply on the same endpoint")
	rootCmd.AddCommand(sendCmd)
}
