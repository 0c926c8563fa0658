package fcgitransport

import (
	"context"
	"net"

	"github.com/xpwu/go-log/log"
	"github.com/xpwu/go-xnet/xtcp"
)

// Dialer establishes the raw connection a Conn frames records onto.
// Mirrors the teacher's transport.Connector interface (xpwu-go-streamclient's
// lencontentc/websocketc/pushc each implement one of these over a
// different underlying transport); fcgiclient depends on this interface,
// not on XTCPDialer directly, so tests can substitute a fake dialer.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// XTCPDialer dials over TCP via go-xnet/xtcp, exactly as every connector
// in the teacher package does (xtcp.Dial + xtcp.NewConn, logged through
// go-log's WithCtx/PushPrefix).
type XTCPDialer struct{}

func (XTCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, logger := log.WithCtx(ctx)
	logger.PushPrefix("connect to " + addr + ", ")

	raw, err := xtcp.Dial(ctx, "tcp", addr)
	if err != nil {
		logger.Error(err)
		return nil, err
	}
	logger.PopPrefix()

	conn := xtcp.NewConn(ctx, raw)
	logger.Debug("connected(id:" + conn.Id().String() + ")")
	return conn, nil
}
