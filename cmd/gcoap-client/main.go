// Command gcoap-client issues a single CoAP request, or registers an
// Observe and prints each notification it receives, against a remote
// gcoap endpoint. It follows the flag-driven single-shot CLI shape of this
// module's dial-a-peer demo tools.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kb2ma-retrocoap/gcoap"
)

var (
	remoteAddr string
	path       string
	confirm    bool
	timeout    time.Duration
	queries    []string
)

func main() {
	root := &cobra.Command{
		Use:   "gcoap-client",
		Short: "Issue CoAP requests against a remote endpoint",
	}
	root.PersistentFlags().StringVar(&remoteAddr, "remote", "127.0.0.1:5683", "remote host:port")
	root.PersistentFlags().StringVar(&path, "path", "/time", "request URI path")
	root.PersistentFlags().BoolVar(&confirm, "confirmable", true, "send as a confirmable (CON) message")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "overall command timeout")
	root.PersistentFlags().StringArrayVar(&queries, "query", nil, "query string key=val, repeatable")

	root.AddCommand(getCmd(), observeCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("gcoap-client exiting")
	}
}

func newClient() (*gcoap.Engine, net.Addr, error) {
	transport, err := gcoap.ListenUDP(":0")
	if err != nil {
		return nil, nil, fmt.Errorf("opening transport: %w", err)
	}
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving remote: %w", err)
	}
	cfg := gcoap.DefaultConfig()
	cfg.SendWaitForResponse = true
	engine := gcoap.New(cfg, transport)
	return engine, remote, nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Issue a single GET and print the response payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, remote, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			go engine.Run(ctx)
			// Give the event loop a moment to start before submitting.
			time.Sleep(10 * time.Millisecond)

			typ := gcoap.TypeNonConfirmable
			if confirm {
				typ = gcoap.TypeConfirmable
			}
			req, err := engine.ReqInit(typ, gcoap.CodeGET, path)
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			cfg := gcoap.DefaultConfig()
			for _, q := range queries {
				key, val, _ := strings.Cut(q, "=")
				if _, err := req.AddQueryString(key, val, cfg.QueryStringMax); err != nil {
					return fmt.Errorf("adding query string %q: %w", q, err)
				}
			}
			buf := make([]byte, cfg.PDUBufSize)
			n, err := req.Finish(buf, nil)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			resp, err := engine.ReqSend2(buf, n, remote, nil)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("%s %s\n", resp.Code, string(resp.Payload))
			return nil
		},
	}
}

func observeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "observe",
		Short: "Register an Observe on path and print each notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := gcoap.DefaultConfig()
			transport, err := gcoap.ListenUDP(":0")
			if err != nil {
				return err
			}
			remote, err := net.ResolveUDPAddr("udp", remoteAddr)
			if err != nil {
				return err
			}
			engine := gcoap.New(cfg, transport)

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()
			go engine.Run(ctx)
			time.Sleep(10 * time.Millisecond)

			req, err := engine.ReqInit(gcoap.TypeConfirmable, gcoap.CodeGET, path)
			if err != nil {
				return err
			}
			req.HasObserve = true
			req.Observe = 0

			buf := make([]byte, cfg.PDUBufSize)
			n, err := req.Finish(buf, nil)
			if err != nil {
				return err
			}

			err = engine.ReqSend(buf, n, remote, func(resp *gcoap.Packet, remote net.Addr, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "observe error: %v\n", err)
					return
				}
				fmt.Printf("notify #%d: %s %s\n", resp.Observe, resp.Code, string(resp.Payload))
			})
			if err != nil {
				return fmt.Errorf("registering observe: %w", err)
			}

			<-ctx.Done()
			return nil
		},
	}
}
