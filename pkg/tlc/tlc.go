package tlc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"
	"github.com/rs/zerolog"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// Version is the TLC wire protocol version
const Version byte = 0x01

// maxResponseSize bounds a TLC response payload
const maxResponseSize = 1 << 24

// Operation codes understood by the tape library controller
const (
	OpDriveLookup uint32 = iota + 1
	OpMediaLookup
	OpMediaMove
	OpScan
)

// Element types reported by inventory operations
const (
	ElementDrive uint32 = iota + 1
	ElementSlot
	ElementImpExp
)

// Request is one framed TLC request
type Request struct {
	Op     uint32
	Serial string // drive serial, for OpDriveLookup
	Medium string // medium barcode, for OpMediaLookup
	Source uint32 // source element address, for OpMediaMove
	Dest   uint32 // destination element address, for OpMediaMove
	// MaxElements caps one OpScan response chunk, zero for no cap.
	MaxElements uint32
	// StartAddress resumes a chunked OpScan.
	StartAddress uint32
}

// Element is one changer element in a response
type Element struct {
	Address uint32
	Type    uint32
	Full    bool
	Medium  string
	Serial  string // drive serial, ElementDrive only
}

// Response is one framed TLC response
type Response struct {
	Rc       int32
	Elements []Element
	// More is set on a chunked OpScan when further chunks remain.
	More bool
}

// Client speaks the TLC protocol over a single bytestream. Calls are
// serialized: the protocol has no request multiplexing.
type Client struct {
	addr   string
	scsi   config.SCSIConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a client for the configured endpoint. The
// connection is established lazily on first use.
func NewClient(cfg config.TLCConfig, scsi config.SCSIConfig) *Client {
	return &Client{
		addr:   fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port),
		scsi:   scsi,
		logger: log.WithComponent("tlc"),
	}
}

// Connect establishes the TLC connection
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	timeout := time.Duration(c.scsi.QueryTimeoutMS) * time.Millisecond
	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return xerr.Wrap(xerr.EAGAIN, fmt.Errorf("failed to reach TLC at %s: %w", c.addr, err))
	}
	c.conn = conn
	c.logger.Info().Str("addr", c.addr).Msg("Connected to TLC")
	return nil
}

// Close tears down the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends one request and waits for its response, bounded by the
// given deadline. Transport failures drop the connection so the next
// call redials.
func (c *Client) Call(req *Request, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, xerr.Wrap(xerr.EIO, err)
	}

	if err := writeFrame(c.conn, req); err != nil {
		c.drop()
		return nil, err
	}
	resp, err := readFrame(c.conn)
	if err != nil {
		c.drop()
		return nil, err
	}
	if resp.Rc < 0 {
		return resp, xerr.Wrapf(xerr.FromWire(resp.Rc), "TLC op %d failed", req.Op)
	}
	return resp, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func writeFrame(w io.Writer, req *Request) error {
	var payload bytes.Buffer
	if _, err := xdr.Marshal(&payload, req); err != nil {
		return fmt.Errorf("failed to encode TLC request: %w", err)
	}
	header := make([]byte, 5)
	header[0] = Version
	binary.BigEndian.PutUint32(header[1:], uint32(payload.Len()))
	if _, err := w.Write(header); err != nil {
		return xerr.Wrap(xerr.EIO, err)
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return xerr.Wrap(xerr.EIO, err)
	}
	return nil
}

func readFrame(r io.Reader) (*Response, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if isTimeout(err) {
			return nil, xerr.Wrap(xerr.ETIMEDOUT, err)
		}
		return nil, xerr.Wrap(xerr.EIO, fmt.Errorf("short TLC header: %w", err))
	}
	if header[0] != Version {
		return nil, xerr.Wrapf(xerr.EPROTONOSUPPORT, "TLC protocol version %#x", header[0])
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxResponseSize {
		return nil, xerr.Wrapf(xerr.EINVAL, "TLC response of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if isTimeout(err) {
			return nil, xerr.Wrap(xerr.ETIMEDOUT, err)
		}
		return nil, xerr.Wrap(xerr.EIO, fmt.Errorf("short TLC payload: %w", err))
	}
	var resp Response
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &resp); err != nil {
		return nil, xerr.Wrap(xerr.EINVAL, fmt.Errorf("failed to decode TLC response: %w", err))
	}
	return &resp, nil
}

// readRequest and writeResponse are the server half of the framing.
// The daemon never serves TLC itself; simulators and tests do.

func readRequest(r io.Reader) (*Request, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != Version {
		return nil, xerr.Wrapf(xerr.EPROTONOSUPPORT, "TLC protocol version %#x", header[0])
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxResponseSize {
		return nil, xerr.Wrapf(xerr.EINVAL, "TLC request of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var req Request
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &req); err != nil {
		return nil, xerr.Wrap(xerr.EINVAL, err)
	}
	return &req, nil
}

func writeResponse(w io.Writer, resp *Response) error {
	var payload bytes.Buffer
	if _, err := xdr.Marshal(&payload, resp); err != nil {
		return err
	}
	header := make([]byte, 5)
	header[0] = Version
	binary.BigEndian.PutUint32(header[1:], uint32(payload.Len()))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
