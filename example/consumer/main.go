package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/ewexport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:16005", "exporter address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		slog.Error("failed to connect", "addr", *addr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	group.Go(func() error {
		defer stop()
		return consume(conn)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("consumer stopped", "error", err)
	}
}

func consume(r io.Reader) error {
	reader := ewexport.NewReader(r, 0)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch msg.Header.Type {
		case ewexport.TypeHeartbeat:
			text, _ := msg.Heartbeat()
			slog.Info("heartbeat", "institution", msg.Header.Institution, "module", msg.Header.Module, "text", text)
		case ewexport.TypeTraceBuf2:
			tb, err := msg.TraceBuf()
			if err != nil {
				slog.Warn("bad trace buffer", "error", err)
				continue
			}
			slog.Info("tracebuf", "tracebuf", tb.String(), "end", tb.End())
		default:
			slog.Info("message", "type", msg.Header.Type, "length", msg.Length())
		}
	}
}
