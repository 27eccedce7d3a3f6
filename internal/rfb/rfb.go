// Package rfb implements a from-scratch RFB (remote framebuffer, a.k.a.
// VNC) client (spec §4.5): handshake, security negotiation, the
// FramebufferUpdateRequest loop, and keyboard/pointer input encoding.
//
// Framing discipline — deadline propagation per call, bounded reads, any
// short read fails the whole session — is grounded on the teacher's
// internal/vmm.NetControlChannel, adapted from newline-delimited JSON to
// RFB's binary field layout. DES challenge-response auth uses stdlib
// crypto/des the way the teacher's internal/secrets uses stdlib crypto/aes
// for its own at-rest encryption: same register, different primitive.
package rfb

import (
	"bufio"
	"context"
	"crypto/des"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/qemud/qemud/internal/qerrors"
)

const (
	protoVersion = "RFB 003.008\n"

	secTypeNone    = 1
	secTypeVNCAuth = 2

	encodingRaw      int32 = 0
	encodingCopyRect int32 = 1
	encodingHextile  int32 = 5

	msgFramebufferUpdate   = 0
	msgSetPixelFormat      = 0
	msgSetEncodings        = 2
	msgFBUpdateRequest     = 3
	msgKeyEvent            = 4
	msgPointerEvent        = 5
)

// Client is a connected RFB session. It is not safe for concurrent use by
// more than one goroutine at a time — FramePipeline serializes capture
// calls and input calls against it.
type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	Width  int
	Height int
	Name   string
}

// Dial connects to addr, performs the full RFB handshake (ProtocolVersion,
// security negotiation, ClientInit/ServerInit, SetPixelFormat/SetEncodings)
// and returns a ready-to-use Client.
func Dial(ctx context.Context, addr string, password string, timeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, qerrors.RFB(fmt.Sprintf("connect to %s", addr), err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c := &Client{conn: conn, r: bufio.NewReaderSize(conn, 64*1024)}

	if err := c.handshakeVersion(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.negotiateSecurity(password); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.clientInit(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.setPixelFormat(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.setEncodings(); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	return c, nil
}

// Close releases the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Dimensions returns the framebuffer width and height negotiated during
// ClientInit, so callers can depend on a narrow capture interface instead
// of the concrete Client type.
func (c *Client) Dimensions() (int, int) {
	return c.Width, c.Height
}

func (c *Client) handshakeVersion() error {
	buf := make([]byte, 12)
	if err := c.readFull(buf); err != nil {
		return qerrors.RFB("read protocol version", err)
	}
	if _, err := c.conn.Write([]byte(protoVersion)); err != nil {
		return qerrors.RFB("write protocol version", err)
	}
	return nil
}

func (c *Client) negotiateSecurity(password string) error {
	countByte := make([]byte, 1)
	if err := c.readFull(countByte); err != nil {
		return qerrors.RFB("read security type count", err)
	}
	count := int(countByte[0])
	if count == 0 {
		reasonLen := make([]byte, 4)
		if err := c.readFull(reasonLen); err != nil {
			return qerrors.RFB("read security failure reason length", err)
		}
		n := binary.BigEndian.Uint32(reasonLen)
		reason := make([]byte, n)
		if err := c.readFull(reason); err != nil {
			return qerrors.RFB("read security failure reason", err)
		}
		return qerrors.RFB(fmt.Sprintf("server rejected connection: %s", reason), nil)
	}

	types := make([]byte, count)
	if err := c.readFull(types); err != nil {
		return qerrors.RFB("read security types", err)
	}

	chosen := byte(0)
	for _, t := range types {
		if t == secTypeNone {
			chosen = secTypeNone
			break
		}
	}
	if chosen == 0 {
		for _, t := range types {
			if t == secTypeVNCAuth {
				chosen = secTypeVNCAuth
				break
			}
		}
	}
	if chosen == 0 {
		return qerrors.RFB("no acceptable security type offered by server", nil)
	}
	if _, err := c.conn.Write([]byte{chosen}); err != nil {
		return qerrors.RFB("write chosen security type", err)
	}

	if chosen == secTypeVNCAuth {
		if password == "" {
			return qerrors.RFB("server requires VNC auth but no password configured", nil)
		}
		challenge := make([]byte, 16)
		if err := c.readFull(challenge); err != nil {
			return qerrors.RFB("read VNC auth challenge", err)
		}
		response, err := desChallengeResponse(password, challenge)
		if err != nil {
			return qerrors.RFB("compute VNC auth response", err)
		}
		if _, err := c.conn.Write(response); err != nil {
			return qerrors.RFB("write VNC auth response", err)
		}
	}

	result := make([]byte, 4)
	if err := c.readFull(result); err != nil {
		return qerrors.RFB("read security result", err)
	}
	if binary.BigEndian.Uint32(result) != 0 {
		return qerrors.RFB("security handshake failed", nil)
	}
	return nil
}

// desChallengeResponse implements the classical VNC auth transform: the
// password is truncated/padded to 8 bytes, each byte's bits are reversed
// (VNC's historic DES key-bit quirk), then used as a DES key to encrypt the
// 16-byte challenge in two 8-byte ECB blocks.
func desChallengeResponse(password string, challenge []byte) ([]byte, error) {
	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		key[i] = reverseBits(b)
	}
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}
	response := make([]byte, 16)
	block.Encrypt(response[0:8], challenge[0:8])
	block.Encrypt(response[8:16], challenge[8:16])
	return response, nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

func (c *Client) clientInit() error {
	if _, err := c.conn.Write([]byte{1}); err != nil { // shared-flag=1
		return qerrors.RFB("write ClientInit", err)
	}
	header := make([]byte, 2+2+16+4)
	if err := c.readFull(header); err != nil {
		return qerrors.RFB("read ServerInit", err)
	}
	c.Width = int(binary.BigEndian.Uint16(header[0:2]))
	c.Height = int(binary.BigEndian.Uint16(header[2:4]))
	nameLen := binary.BigEndian.Uint32(header[20:24])
	name := make([]byte, nameLen)
	if err := c.readFull(name); err != nil {
		return qerrors.RFB("read ServerInit name", err)
	}
	c.Name = string(name)
	return nil
}

func (c *Client) setPixelFormat() error {
	msg := make([]byte, 4+16)
	msg[0] = msgSetPixelFormat
	pf := msg[4:]
	pf[0] = 32  // bits-per-pixel
	pf[1] = 24  // depth
	pf[2] = 0   // big-endian-flag
	pf[3] = 1   // true-colour-flag
	binary.BigEndian.PutUint16(pf[4:6], 255) // red-max
	binary.BigEndian.PutUint16(pf[6:8], 255) // green-max
	binary.BigEndian.PutUint16(pf[8:10], 255) // blue-max
	pf[10] = 16 // red-shift
	pf[11] = 8  // green-shift
	pf[12] = 0  // blue-shift
	_, err := c.conn.Write(msg)
	if err != nil {
		return qerrors.RFB("write SetPixelFormat", err)
	}
	return nil
}

func (c *Client) setEncodings() error {
	encodings := []int32{encodingRaw}
	msg := make([]byte, 4+4*len(encodings))
	msg[0] = msgSetEncodings
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(encodings)))
	for i, e := range encodings {
		binary.BigEndian.PutUint32(msg[4+4*i:8+4*i], uint32(e))
	}
	if _, err := c.conn.Write(msg); err != nil {
		return qerrors.RFB("write SetEncodings", err)
	}
	return nil
}

// RequestUpdate sends a FramebufferUpdateRequest for the given rectangle.
func (c *Client) RequestUpdate(ctx context.Context, incremental bool, x, y, w, h int) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	msg := make([]byte, 10)
	msg[0] = msgFBUpdateRequest
	if incremental {
		msg[1] = 1
	}
	binary.BigEndian.PutUint16(msg[2:4], uint16(x))
	binary.BigEndian.PutUint16(msg[4:6], uint16(y))
	binary.BigEndian.PutUint16(msg[6:8], uint16(w))
	binary.BigEndian.PutUint16(msg[8:10], uint16(h))
	if _, err := c.conn.Write(msg); err != nil {
		return qerrors.RFB("write FramebufferUpdateRequest", err)
	}
	return nil
}

// Rect describes a decoded framebuffer rectangle's raw RGB payload
// (alpha-dropped, row-major, 3 bytes per pixel).
type Rect struct {
	X, Y, W, H int
	RGB        []byte
}

// ReadUpdate reads one FramebufferUpdate message and decodes every Raw
// rectangle it contains into RGB. SetEncodings advertises Raw only, so a
// rectangle in any other encoding is a framing violation and fails the
// session (spec §4.5).
func (c *Client) ReadUpdate(ctx context.Context, timeout time.Duration) ([]Rect, error) {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	header := make([]byte, 4)
	if err := c.readFull(header); err != nil {
		return nil, qerrors.RFB("read FramebufferUpdate header", err)
	}
	if header[0] != msgFramebufferUpdate {
		return nil, qerrors.RFB(fmt.Sprintf("unexpected message type %d, want FramebufferUpdate", header[0]), nil)
	}
	numRects := int(binary.BigEndian.Uint16(header[2:4]))

	rects := make([]Rect, 0, numRects)
	for i := 0; i < numRects; i++ {
		rectHeader := make([]byte, 12)
		if err := c.readFull(rectHeader); err != nil {
			return nil, qerrors.RFB("read rectangle header", err)
		}
		x := int(binary.BigEndian.Uint16(rectHeader[0:2]))
		y := int(binary.BigEndian.Uint16(rectHeader[2:4]))
		w := int(binary.BigEndian.Uint16(rectHeader[4:6]))
		h := int(binary.BigEndian.Uint16(rectHeader[6:8]))
		encoding := int32(binary.BigEndian.Uint32(rectHeader[8:12]))

		switch encoding {
		case encodingRaw:
			bgra := make([]byte, w*h*4)
			if err := c.readFull(bgra); err != nil {
				return nil, qerrors.RFB("read raw rectangle payload", err)
			}
			rects = append(rects, Rect{X: x, Y: y, W: w, H: h, RGB: bgraToRGB(bgra, w, h)})
		default:
			return nil, qerrors.RFB(fmt.Sprintf("unsupported rectangle encoding %d", encoding), nil)
		}
	}
	return rects, nil
}

// bgraToRGB converts a w*h*4 BGRA buffer into a w*h*3 RGB buffer, dropping
// alpha. Row-stride aware and bounds-clamped to exactly w*h*3 bytes.
func bgraToRGB(bgra []byte, w, h int) []byte {
	n := w * h
	if len(bgra) < n*4 {
		n = len(bgra) / 4
	}
	rgb := make([]byte, n*3)
	for i := 0; i < n; i++ {
		b := bgra[i*4+0]
		g := bgra[i*4+1]
		r := bgra[i*4+2]
		rgb[i*3+0] = r
		rgb[i*3+1] = g
		rgb[i*3+2] = b
	}
	return rgb
}

// SendKey encodes a KeyEvent for the given X11 keysym.
func (c *Client) SendKey(keysym uint32, down bool) error {
	msg := make([]byte, 8)
	msg[0] = msgKeyEvent
	if down {
		msg[1] = 1
	}
	binary.BigEndian.PutUint32(msg[4:8], keysym)
	_, err := c.conn.Write(msg)
	if err != nil {
		return qerrors.RFB("write KeyEvent", err)
	}
	return nil
}

// SendPointer encodes a PointerEvent, clamping x/y to the current
// framebuffer bounds [0,width) x [0,height).
func (c *Client) SendPointer(x, y int, buttonMask byte) error {
	x = clamp(x, 0, c.Width-1)
	y = clamp(y, 0, c.Height-1)
	msg := make([]byte, 6)
	msg[0] = msgPointerEvent
	msg[1] = buttonMask
	binary.BigEndian.PutUint16(msg[2:4], uint16(x))
	binary.BigEndian.PutUint16(msg[4:6], uint16(y))
	_, err := c.conn.Write(msg)
	if err != nil {
		return qerrors.RFB("write PointerEvent", err)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsAlive sends a 1x1 incremental update request with a short timeout and
// reports whether the round-trip completed without an I/O error.
func (c *Client) IsAlive(ctx context.Context, timeout time.Duration) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.RequestUpdate(checkCtx, true, 0, 0, 1, 1); err != nil {
		return false
	}
	_, err := c.ReadUpdate(checkCtx, timeout)
	return err == nil
}

func (c *Client) readFull(buf []byte) error {
	_, err := readFull(c.r, buf)
	return err
}

// readFull reads exactly len(buf) bytes or returns an error — any short
// read is a framing violation per spec §4.5 and fails the whole session.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
