// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"
)

// requestReadTimeout bounds how long a new connection may take to send its
// request.
const requestReadTimeout = 30 * time.Second

// NetServerTransport serves calls over TCP, one connection per call. Each
// connection carries a preface, a request IPC stream from the client and a
// response IPC stream back; see [WriteRequest].
type NetServerTransport struct {
	lis      net.Listener
	serverID string
	logger   *slog.Logger

	mu        sync.Mutex
	acceptors map[string][]inprocAcceptor
	waiting   map[string][]*netServerCall
	methods   map[string]bool
	live      map[*netServerCall]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewNetServerTransport starts accepting connections on lis. Calls are held
// until the server registers acceptors for their method.
func NewNetServerTransport(lis net.Listener, serverID string, logger *slog.Logger) *NetServerTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &NetServerTransport{
		lis:       lis,
		serverID:  serverID,
		logger:    logger,
		acceptors: make(map[string][]inprocAcceptor),
		waiting:   make(map[string][]*netServerCall),
		live:      make(map[*netServerCall]struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

// Addr returns the listener address.
func (t *NetServerTransport) Addr() net.Addr {
	return t.lis.Addr()
}

func (t *NetServerTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.lis.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.Error("accept failed", slog.Any("err", err))
			}
			return
		}
		go t.handleConn(conn)
	}
}

// SetMethods implements [MethodSetter].
func (t *NetServerTransport) SetMethods(methods []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods = make(map[string]bool, len(methods))
	for _, m := range methods {
		t.methods[m] = true
	}
	for method, calls := range t.waiting {
		if t.methods[method] {
			continue
		}
		delete(t.waiting, method)
		for _, call := range calls {
			go call.reject(unimplemented(method))
		}
	}
}

// handleConn reads the preface and request, then hands the call to an
// acceptor.
func (t *NetServerTransport) handleConn(conn net.Conn) {
	var magic [4]byte
	if _, err := io.ReadFull(conn, magic[:]); err != nil {
		conn.Close()
		return
	}
	var (
		r    io.Reader
		zdec *zstd.Decoder
	)
	switch string(magic[:]) {
	case magicPlain:
		r = conn
	case magicZstd:
		dec, err := zstd.NewReader(conn)
		if err != nil {
			t.logger.Error("creating zstd decoder", slog.Any("err", err))
			conn.Close()
			return
		}
		zdec = dec
		r = dec
	default:
		t.logger.Warn("rejecting connection with unknown preface", slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	out, err := newFrameWriter(conn, zdec != nil)
	if err != nil {
		t.logger.Error("creating response writer", slog.Any("err", err))
		conn.Close()
		return
	}
	call := &netServerCall{t: t, conn: conn, out: out}

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	req, err := ReadRequest(r)
	if err != nil {
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			call.requestID = rpcErr.RequestID
			call.reject(StatusFromError(err))
		} else {
			call.close()
		}
		if zdec != nil {
			zdec.Close()
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	call.req = req
	call.requestID = req.RequestID
	if req.TimeoutMs > 0 {
		call.ctx, call.cancel = context.WithTimeout(context.Background(), time.Duration(req.TimeoutMs)*time.Millisecond)
	} else {
		call.ctx, call.cancel = context.WithCancel(context.Background())
	}
	// The client sends nothing after its request; a read returning means it
	// hung up.
	go func() {
		var b [1]byte
		_, _ = r.Read(b[:])
		call.cancel()
		if zdec != nil {
			zdec.Close()
		}
	}()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		call.reject(NewStatus(codes.Unavailable, "server shutting down"))
		return
	}
	if t.methods != nil && !t.methods[req.Method] {
		t.mu.Unlock()
		call.reject(unimplemented(req.Method))
		return
	}
	t.live[call] = struct{}{}
	if accs := t.acceptors[req.Method]; len(accs) > 0 {
		acc := accs[0]
		t.acceptors[req.Method] = accs[1:]
		call.cq = acc.cq
		acc.bind(call)
		postOrDrop(acc.cq, acc.tag, true)
	} else {
		t.waiting[req.Method] = append(t.waiting[req.Method], call)
	}
	t.mu.Unlock()
}

// RequestCall implements [ServerTransport].
func (t *NetServerTransport) RequestCall(method string, tag Tag, cq *CompletionQueue, bind func(ServerCall)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if calls := t.waiting[method]; len(calls) > 0 {
		call := calls[0]
		t.waiting[method] = calls[1:]
		call.cq = cq
		bind(call)
		postOrDrop(cq, tag, true)
		return nil
	}
	t.acceptors[method] = append(t.acceptors[method], inprocAcceptor{tag: tag, cq: cq, bind: bind})
	return nil
}

// Shutdown implements [ServerTransport]: the listener is closed, pending
// acceptors complete with ok=false and held calls are refused.
func (t *NetServerTransport) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	acceptors := t.acceptors
	t.acceptors = make(map[string][]inprocAcceptor)
	waiting := t.waiting
	t.waiting = make(map[string][]*netServerCall)
	t.mu.Unlock()

	t.lis.Close()
	for _, accs := range acceptors {
		for _, acc := range accs {
			postOrDrop(acc.cq, acc.tag, false)
		}
	}
	for _, calls := range waiting {
		for _, call := range calls {
			call.reject(NewStatus(codes.Unavailable, "server shutting down"))
		}
	}
	t.wg.Wait()
}

// Abort implements [Aborter]: the connections of running calls are closed
// and their contexts cancelled.
func (t *NetServerTransport) Abort() {
	t.mu.Lock()
	live := make([]*netServerCall, 0, len(t.live))
	for call := range t.live {
		live = append(live, call)
	}
	t.mu.Unlock()
	for _, call := range live {
		call.close()
	}
}

func (t *NetServerTransport) forget(call *netServerCall) {
	t.mu.Lock()
	delete(t.live, call)
	t.mu.Unlock()
}

// frameWriter writes a response IPC stream, flushing after every batch so
// the peer sees each message as soon as it is written.
type frameWriter struct {
	bw   *bufio.Writer
	zenc *zstd.Encoder
	ipcw *ipc.Writer
}

func newFrameWriter(w io.Writer, compress bool) (*frameWriter, error) {
	fw := &frameWriter{bw: bufio.NewWriter(w)}
	if compress {
		enc, err := zstd.NewWriter(fw.bw)
		if err != nil {
			return nil, err
		}
		fw.zenc = enc
		fw.ipcw = ipc.NewWriter(enc, ipc.WithSchema(payloadSchema))
	} else {
		fw.ipcw = ipc.NewWriter(fw.bw, ipc.WithSchema(payloadSchema))
	}
	return fw, nil
}

func (fw *frameWriter) flush() error {
	if fw.zenc != nil {
		if err := fw.zenc.Flush(); err != nil {
			return err
		}
	}
	return fw.bw.Flush()
}

// close writes the end-of-stream marker and flushes.
func (fw *frameWriter) close() error {
	if err := fw.ipcw.Close(); err != nil {
		return err
	}
	return fw.end()
}

// stream is the byte stream below the IPC writer, for responses written
// without it.
func (fw *frameWriter) stream() io.Writer {
	if fw.zenc != nil {
		return fw.zenc
	}
	return fw.bw
}

// end closes the compression frame and flushes the connection.
func (fw *frameWriter) end() error {
	if fw.zenc != nil {
		if err := fw.zenc.Close(); err != nil {
			return err
		}
	}
	return fw.bw.Flush()
}

// netServerCall is the server half of one TCP call.
type netServerCall struct {
	t         *NetServerTransport
	conn      net.Conn
	out       *frameWriter
	req       *Request
	requestID string
	ctx       context.Context
	cancel    context.CancelFunc
	cq        *CompletionQueue
	closeOnce sync.Once
}

func (c *netServerCall) Context() context.Context { return c.ctx }

func (c *netServerCall) Method() string { return c.req.Method }

func (c *netServerCall) Request() []byte { return c.req.Payload }

func (c *netServerCall) Metadata() map[string]string { return c.req.Metadata }

func (c *netServerCall) SendMsg(tag Tag, payload []byte) {
	go func() {
		err := c.write(payload, FrameMessage)
		if err != nil {
			c.t.logger.Debug("stream write failed", slog.Any("tag", tag), slog.Any("err", err))
			c.close()
		}
		postOrDrop(c.cq, tag, err == nil)
	}()
}

func (c *netServerCall) write(payload []byte, frame string) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	meta := arrow.NewMetadata([]string{MetaFrame}, []string{frame})
	if err := writePayloadBatch(c.out.ipcw, payload, meta); err != nil {
		return err
	}
	return c.out.flush()
}

func (c *netServerCall) Finish(tag Tag, reply []byte, st Status) {
	go func() {
		err := c.finish(reply, st)
		if err != nil {
			c.t.logger.Debug("finish failed", slog.Any("tag", tag), slog.Any("err", err))
		}
		c.close()
		postOrDrop(c.cq, tag, err == nil)
	}()
}

func (c *netServerCall) finish(reply []byte, st Status) error {
	if reply != nil && st.OK() {
		if err := c.write(reply, FrameReply); err != nil {
			return err
		}
	}
	if err := writeStatusBatch(c.out.ipcw, st, c.t.serverID, c.requestID); err != nil {
		return err
	}
	return c.out.close()
}

// reject answers a call that never reaches a handler. Nothing has been
// written to the response stream yet.
func (c *netServerCall) reject(st Status) {
	if err := WriteStatusResponse(c.out.stream(), st, c.t.serverID, c.requestID); err == nil {
		_ = c.out.end()
	}
	c.close()
}

func (c *netServerCall) close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.conn.Close()
		c.t.forget(c)
	})
}

// NetClientTransport dials a [NetServerTransport] for every call.
type NetClientTransport struct {
	target   string
	compress bool
	dialer   net.Dialer
}

// NewNetClientTransport creates a client transport for target (host:port).
// With compress set, both directions are zstd compressed.
func NewNetClientTransport(target string, compress bool) *NetClientTransport {
	return &NetClientTransport{target: target, compress: compress}
}

// PrepareCall implements [ClientTransport].
func (t *NetClientTransport) PrepareCall(ctx context.Context, method string, request []byte, cq *CompletionQueue) (ClientCall, error) {
	return &netClientCall{t: t, ctx: ctx, method: method, request: request, cq: cq}, nil
}

// netClientCall is the client half of one TCP call.
type netClientCall struct {
	t       *NetClientTransport
	ctx     context.Context
	method  string
	request []byte
	cq      *CompletionQueue

	conn   net.Conn
	zdec   *zstd.Decoder
	in     io.Reader
	reader *ipc.Reader
	stop   func() bool

	status    Status
	hasStatus bool
	reply     []byte
}

// Start dials the target and sends the request.
func (c *netClientCall) Start() error {
	conn, err := c.t.dialer.DialContext(c.ctx, "tcp", c.t.target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	c.conn = conn
	c.in = conn

	magic := magicPlain
	if c.t.compress {
		magic = magicZstd
	}
	req := &Request{
		Method:    c.method,
		RequestID: uuid.NewString(),
		Payload:   c.request,
		Metadata:  OutgoingMetadata(c.ctx),
	}
	if dl, ok := c.ctx.Deadline(); ok {
		req.TimeoutMs = max(time.Until(dl).Milliseconds(), 1)
	}

	bw := bufio.NewWriter(conn)
	if _, err := bw.WriteString(magic); err != nil {
		conn.Close()
		return err
	}
	if c.t.compress {
		enc, err := zstd.NewWriter(bw)
		if err != nil {
			conn.Close()
			return err
		}
		if err := WriteRequest(enc, req); err != nil {
			conn.Close()
			return err
		}
		// Flush, not Close: closing the frame would end the stream the server
		// watches for hang-ups.
		if err := enc.Flush(); err != nil {
			conn.Close()
			return err
		}
		dec, err := zstd.NewReader(conn)
		if err != nil {
			conn.Close()
			return err
		}
		c.zdec = dec
		c.in = dec
	} else if err := WriteRequest(bw, req); err != nil {
		conn.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return err
	}
	c.stop = context.AfterFunc(c.ctx, func() { conn.Close() })
	return nil
}

// next reads the next frame, turning read failures into a terminal status.
func (c *netClientCall) next() (Frame, bool) {
	if c.hasStatus {
		return Frame{}, false
	}
	fail := func(err error) (Frame, bool) {
		if c.ctx.Err() != nil {
			c.status = statusFromContext(c.ctx)
		} else {
			c.status = NewStatus(codes.Unavailable, "reading response: %v", err)
		}
		c.hasStatus = true
		return Frame{}, false
	}
	if c.reader == nil {
		r, err := ipc.NewReader(c.in)
		if err != nil {
			return fail(err)
		}
		c.reader = r
	}
	if !c.reader.Next() {
		err := c.reader.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fail(err)
	}
	f, err := readFrame(c.reader.RecordBatch())
	if err != nil {
		c.status = StatusFromError(err)
		c.hasStatus = true
		return Frame{}, false
	}
	if f.Kind == FrameStatus {
		c.status = f.Status
		c.hasStatus = true
		return f, false
	}
	return f, true
}

func (c *netClientCall) Recv(tag Tag, dst *[]byte) {
	go func() {
		for {
			f, ok := c.next()
			if !ok {
				postOrDrop(c.cq, tag, false)
				return
			}
			if f.Kind == FrameMessage {
				*dst = f.Payload
				postOrDrop(c.cq, tag, true)
				return
			}
			c.reply = f.Payload
		}
	}()
}

func (c *netClientCall) Finish(tag Tag, reply *[]byte, st *Status) {
	go func() {
		for {
			f, ok := c.next()
			if !ok {
				break
			}
			if f.Kind == FrameReply {
				c.reply = f.Payload
			}
		}
		if reply != nil {
			*reply = c.reply
		}
		*st = c.status
		c.close()
		postOrDrop(c.cq, tag, true)
	}()
}

func (c *netClientCall) close() {
	if c.stop != nil {
		c.stop()
	}
	if c.reader != nil {
		c.reader.Release()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
	c.conn.Close()
}
