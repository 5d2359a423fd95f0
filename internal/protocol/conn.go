package protocol

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/myriadb/myriad/internal/auth"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// Config carries the protocol-level connection settings.
type Config struct {
	User                    string
	Password                string
	Database                string
	TLS                     *tls.Config
	AllowPublicKeyRetrieval bool
	ReadTimeout             time.Duration
	Logger                  *slog.Logger
}

// Conn is one authenticated MySQL session. Commands are strictly serialised:
// a single request may be in flight at a time, and the sequence id restarts
// per command. A Conn that observes an unexpected frame poisons itself and
// must be discarded.
type Conn struct {
	io       *packetIO
	cfg      Config
	plugins  *auth.Registry
	log      *slog.Logger
	secure   bool
	poisoned atomic.Bool

	capabilities Capability
	status       ServerStatus
	handshake    *Handshake
}

// Connect runs the connection phase over an established socket: read the
// greeting, optionally upgrade to TLS, authenticate.
func Connect(netConn net.Conn, cfg Config, plugins *auth.Registry) (*Conn, error) {
	if plugins == nil {
		plugins = auth.NewRegistry()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		io:      newPacketIO(netConn, cfg.ReadTimeout),
		cfg:     cfg,
		plugins: plugins,
		log:     log,
	}
	payload, err := c.io.readPacket()
	if err != nil {
		netConn.Close()
		return nil, err
	}
	hs, err := parseHandshake(payload)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	c.handshake = hs
	if err := c.authenticate(hs); err != nil {
		netConn.Close()
		return nil, err
	}
	log.Debug("session established",
		"server", hs.ServerVersion, "thread", hs.ThreadID, "plugin", hs.AuthPluginName, "tls", c.secure)
	return c, nil
}

// ServerVersion returns the version string from the greeting.
func (c *Conn) ServerVersion() string {
	return c.handshake.ServerVersion
}

// ThreadID returns the server-side connection id.
func (c *Conn) ThreadID() uint32 {
	return c.handshake.ThreadID
}

// Status returns the server status flags from the last OK/EOF.
func (c *Conn) Status() ServerStatus {
	return c.status
}

// Capabilities returns the negotiated capability set.
func (c *Conn) Capabilities() Capability {
	return c.capabilities
}

// InTransaction reports whether the server flagged an open transaction.
func (c *Conn) InTransaction() bool {
	return c.status.Has(StatusInTransaction)
}

// AutocommitEnabled reports the server-side autocommit flag.
func (c *Conn) AutocommitEnabled() bool {
	return c.status.Has(StatusAutocommit)
}

// Poison marks the connection unusable. Poisoned connections never return to
// the pool; their slot transitions to Removed.
func (c *Conn) Poison() {
	c.poisoned.Store(true)
}

// Poisoned reports whether the protocol state is unknown.
func (c *Conn) Poisoned() bool {
	return c.poisoned.Load()
}

// SetMaxAllowedPacket adjusts the writer ceiling after the session variable
// has been read.
func (c *Conn) SetMaxAllowedPacket(n int) {
	if n > 0 {
		c.io.maxPacket = n
	}
}

// SetReadTimeout overrides the per-read deadline, returning the previous one.
func (c *Conn) SetReadTimeout(d time.Duration) time.Duration {
	prev := c.io.readTimeout
	c.io.readTimeout = d
	return prev
}

// WatchContext aborts the in-flight command if ctx is cancelled by closing
// the socket; the connection is poisoned and never reused. The returned stop
// function must be called once the command completes.
func (c *Conn) WatchContext(ctx context.Context) (stop func()) {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Poison()
			c.io.conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Close sends COM_QUIT and closes the socket.
func (c *Conn) Close() error {
	err := c.io.writeCommand(ComQuit, nil)
	closeErr := c.io.conn.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return sqlerr.Wrap(sqlerr.KindTransientConnection, closeErr, "closing socket")
	}
	return nil
}

// readOKOrErr consumes the single OK/ERR response of a simple command.
func (c *Conn) readOKOrErr() (*OKPacket, error) {
	payload, err := c.io.readPacket()
	if err != nil {
		c.Poison()
		return nil, err
	}
	switch {
	case len(payload) == 0:
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "empty response packet")
	case isEOF(payload):
		// Some commands (COM_SET_OPTION) still answer with a classic EOF.
		eof, err := parseEOF(payload, c.capabilities)
		if err != nil {
			c.Poison()
			return nil, err
		}
		c.status = eof.Status
		return &OKPacket{Status: eof.Status, Warnings: eof.Warnings}, nil
	case payload[0] == OKHeader:
		ok, err := parseOK(payload, c.capabilities)
		if err != nil {
			c.Poison()
			return nil, err
		}
		c.status = ok.Status
		return ok, nil
	case payload[0] == ErrHeader:
		return nil, parseErr(payload)
	default:
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation,
			"unexpected status byte 0x%02x", payload[0])
	}
}

// Ping runs COM_PING under the supplied deadline. A zero timeout keeps the
// configured read timeout.
func (c *Conn) Ping(timeout time.Duration) error {
	if timeout > 0 {
		prev := c.SetReadTimeout(timeout)
		defer c.SetReadTimeout(prev)
	}
	if err := c.io.writeCommand(ComPing, nil); err != nil {
		return err
	}
	_, err := c.readOKOrErr()
	if sqlerr.Is(err, sqlerr.KindTimeout) {
		return sqlerr.Timeout(sqlerr.TimeoutValidation, "ping exceeded %s", timeout)
	}
	return err
}

// InitDB switches the default schema (COM_INIT_DB).
func (c *Conn) InitDB(schema string) error {
	if err := c.io.writeCommand(ComInitDB, []byte(schema)); err != nil {
		return err
	}
	_, err := c.readOKOrErr()
	return err
}

// ResetConnection clears the session state server-side (COM_RESET_CONNECTION).
func (c *Conn) ResetConnection() error {
	if err := c.io.writeCommand(ComResetConnection, nil); err != nil {
		return err
	}
	_, err := c.readOKOrErr()
	return err
}

// SetOption toggles a connection option (COM_SET_OPTION); the server answers
// with EOF/OK.
func (c *Conn) SetOption(option uint16) error {
	arg := make([]byte, 0, 2)
	arg = AppendUint16(arg, option)
	if err := c.io.writeCommand(ComSetOption, arg); err != nil {
		return err
	}
	_, err := c.readOKOrErr()
	return err
}

// ChangeUser re-runs the authentication sub-machine in place
// (COM_CHANGE_USER), replacing credentials and default schema.
func (c *Conn) ChangeUser(user, password, database string) error {
	plugin, err := c.plugins.Lookup(c.handshake.AuthPluginName)
	if err != nil {
		return err
	}
	authResp, err := plugin.HashPassword(password, c.handshake.Challenge)
	if err != nil {
		return err
	}
	arg := make([]byte, 0, 64)
	arg = AppendNulString(arg, user)
	arg = append(arg, byte(len(authResp)))
	arg = append(arg, authResp...)
	arg = AppendNulString(arg, database)
	arg = AppendUint16(arg, uint16(DefaultCollationID))
	arg = AppendNulString(arg, plugin.Name())
	if err := c.io.writeCommand(ComChangeUser, arg); err != nil {
		return err
	}

	c.cfg.User, c.cfg.Password, c.cfg.Database = user, password, database
	for {
		payload, err := c.io.readPacket()
		if err != nil {
			c.Poison()
			return err
		}
		if len(payload) == 0 {
			c.Poison()
			return sqlerr.New(sqlerr.KindProtocolViolation, "empty auth packet")
		}
		switch payload[0] {
		case OKHeader:
			ok, err := parseOK(payload, c.capabilities)
			if err != nil {
				c.Poison()
				return err
			}
			c.status = ok.Status
			return nil
		case ErrHeader:
			return parseErr(payload)
		case EOFHeader:
			r := NewReader(payload)
			_ = r.Skip(1)
			name, err := r.NulString()
			if err != nil {
				c.Poison()
				return err
			}
			data := r.Rest()
			if len(data) > 0 && data[len(data)-1] == 0 {
				data = data[:len(data)-1]
			}
			if plugin, err = c.plugins.Lookup(name); err != nil {
				return err
			}
			if err := c.checkConfidentiality(plugin); err != nil {
				return err
			}
			resp, err := plugin.HashPassword(password, data)
			if err != nil {
				return err
			}
			if err := c.io.writePacket(resp); err != nil {
				return err
			}
		default:
			c.Poison()
			return sqlerr.New(sqlerr.KindProtocolViolation,
				"unexpected auth status byte 0x%02x", payload[0])
		}
	}
}

// ServerStatistics is the parsed COM_STATISTICS line.
type ServerStatistics struct {
	Uptime              time.Duration
	Threads             int
	Questions           int64
	SlowQueries         int64
	Opens               int64
	FlushTables         int64
	OpenTables          int64
	QueriesPerSecondAvg float64
}

// Statistics runs COM_STATISTICS and parses the printable status line.
func (c *Conn) Statistics() (*ServerStatistics, error) {
	if err := c.io.writeCommand(ComStatistics, nil); err != nil {
		return nil, err
	}
	payload, err := c.io.readPacket()
	if err != nil {
		c.Poison()
		return nil, err
	}
	if len(payload) > 0 && payload[0] == ErrHeader {
		return nil, parseErr(payload)
	}
	return parseStatistics(string(payload))
}

// parseStatistics splits "Uptime: 61  Threads: 2  Questions: 4 ..." into its
// named fields. Unknown fields are skipped.
func parseStatistics(line string) (*ServerStatistics, error) {
	stats := &ServerStatistics{}
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i += 2 {
		key := strings.TrimSuffix(fields[i], ":")
		value := fields[i+1]
		switch key {
		case "Uptime":
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, statsErr(key, value)
			}
			stats.Uptime = time.Duration(secs) * time.Second
		case "Threads":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, statsErr(key, value)
			}
			stats.Threads = v
		case "Questions":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, statsErr(key, value)
			}
			stats.Questions = v
		case "Slow":
			// "Slow queries: N" splits into three fields.
			if i+2 < len(fields) {
				v, err := strconv.ParseInt(fields[i+2], 10, 64)
				if err != nil {
					return nil, statsErr("Slow queries", fields[i+2])
				}
				stats.SlowQueries = v
				i++
			}
		case "Opens":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, statsErr(key, value)
			}
			stats.Opens = v
		case "Flush":
			if i+2 < len(fields) {
				v, err := strconv.ParseInt(fields[i+2], 10, 64)
				if err != nil {
					return nil, statsErr("Flush tables", fields[i+2])
				}
				stats.FlushTables = v
				i++
			}
		case "Open":
			if i+2 < len(fields) {
				v, err := strconv.ParseInt(fields[i+2], 10, 64)
				if err != nil {
					return nil, statsErr("Open tables", fields[i+2])
				}
				stats.OpenTables = v
				i++
			}
		case "Queries":
			// "Queries per second avg: N.NNN"
			if i+4 < len(fields) {
				v, err := strconv.ParseFloat(fields[i+4], 64)
				if err != nil {
					return nil, statsErr("Queries per second avg", fields[i+4])
				}
				stats.QueriesPerSecondAvg = v
				i += 3
			}
		}
	}
	return stats, nil
}

func statsErr(key, value string) error {
	return sqlerr.New(sqlerr.KindProtocolViolation, "malformed statistics field %s: %q", key, value)
}
