package protocol

import (
	"crypto/tls"

	"github.com/myriadb/myriad/internal/auth"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// Handshake is the decoded server greeting (Protocol::HandshakeV10).
type Handshake struct {
	ProtocolVersion uint8
	ServerVersion   string
	ThreadID        uint32
	Challenge       []byte // 8-byte part one + 12-byte part two
	Capabilities    Capability
	CharacterSet    uint8
	Status          ServerStatus
	AuthPluginName  string
}

func parseHandshake(payload []byte) (*Handshake, error) {
	if len(payload) > 0 && payload[0] == ErrHeader {
		return nil, parseErr(payload)
	}
	r := NewReader(payload)
	hs := &Handshake{}
	var err error
	if hs.ProtocolVersion, err = r.Uint8(); err != nil {
		return nil, err
	}
	if hs.ProtocolVersion < 10 {
		return nil, sqlerr.New(sqlerr.KindProtocolViolation,
			"unsupported handshake protocol version %d", hs.ProtocolVersion)
	}
	if hs.ServerVersion, err = r.NulString(); err != nil {
		return nil, err
	}
	if hs.ThreadID, err = r.Uint32(); err != nil {
		return nil, err
	}
	part1, err := r.Bytes(8)
	if err != nil {
		return nil, err
	}
	hs.Challenge = append([]byte{}, part1...)
	if err = r.Skip(1); err != nil { // filler
		return nil, err
	}
	capLow, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	hs.Capabilities = Capability(capLow)
	if !r.More() {
		return hs, nil
	}
	if hs.CharacterSet, err = r.Uint8(); err != nil {
		return nil, err
	}
	status, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	hs.Status = ServerStatus(status)
	capHigh, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	hs.Capabilities |= Capability(capHigh) << 16
	challengeLen, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if err = r.Skip(10); err != nil { // reserved
		return nil, err
	}
	if hs.Capabilities.Has(CapSecureConnection) {
		// Part two is documented as max(13, len-8) with a trailing NUL; the
		// 12 usable bytes complete the 20-byte challenge.
		n := int(challengeLen) - 8
		if n < 13 {
			n = 13
		}
		part2, err := r.Bytes(n)
		if err != nil {
			return nil, err
		}
		if part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		hs.Challenge = append(hs.Challenge, part2...)
	}
	if hs.Capabilities.Has(CapPluginAuth) && r.More() {
		if hs.AuthPluginName, err = r.NulString(); err != nil {
			// Some servers omit the trailing NUL on the plugin name.
			hs.AuthPluginName = string(r.Rest())
		}
	}
	if hs.AuthPluginName == "" {
		hs.AuthPluginName = "mysql_native_password"
	}
	return hs, nil
}

// clientCapabilities computes what the response claims, bounded by what the
// server offered.
func (c *Conn) clientCapabilities(hs *Handshake) Capability {
	caps := CapProtocol41 | CapLongPassword | CapSecureConnection |
		CapTransactions | CapPluginAuth | CapMultiResults | CapPSMultiResults |
		hs.Capabilities&CapLongFlag
	if c.cfg.Database != "" {
		caps |= CapConnectWithDB
	}
	if c.cfg.TLS != nil {
		caps |= CapSSL
	}
	return caps
}

// writeSSLRequest sends the abbreviated handshake response that switches the
// socket to TLS, then performs the TLS handshake in place.
func (c *Conn) writeSSLRequest(caps Capability) error {
	buf := make([]byte, 0, 32)
	buf = AppendUint32(buf, uint32(caps))
	buf = AppendUint32(buf, uint32(c.io.maxPacket))
	buf = append(buf, DefaultCollationID)
	buf = append(buf, make([]byte, 23)...)
	if err := c.io.writePacket(buf); err != nil {
		return err
	}
	tlsConn := tls.Client(c.io.conn, c.cfg.TLS)
	if err := tlsConn.Handshake(); err != nil {
		return sqlerr.Wrap(sqlerr.KindTransientConnection, err, "TLS handshake")
	}
	c.io.replaceConn(tlsConn)
	c.secure = true
	return nil
}

// writeHandshakeResponse sends HandshakeResponse41.
func (c *Conn) writeHandshakeResponse(caps Capability, pluginName string, authResp []byte) error {
	buf := make([]byte, 0, 128)
	buf = AppendUint32(buf, uint32(caps))
	buf = AppendUint32(buf, uint32(c.io.maxPacket))
	buf = append(buf, DefaultCollationID)
	buf = append(buf, make([]byte, 23)...)
	buf = AppendNulString(buf, c.cfg.User)
	if caps.Has(CapSecureConnection) {
		buf = append(buf, byte(len(authResp)))
		buf = append(buf, authResp...)
	} else {
		buf = AppendNulString(buf, string(authResp))
	}
	if caps.Has(CapConnectWithDB) {
		buf = AppendNulString(buf, c.cfg.Database)
	}
	buf = AppendNulString(buf, pluginName)
	return c.io.writePacket(buf)
}

// authenticate runs the connection-phase sub-machine after the greeting:
// scramble, response, then the switch/more-data loop until OK or ERR.
func (c *Conn) authenticate(hs *Handshake) error {
	caps := c.clientCapabilities(hs)
	if c.cfg.TLS != nil {
		if !hs.Capabilities.Has(CapSSL) {
			return sqlerr.New(sqlerr.KindTransientConnection,
				"server does not support TLS")
		}
		if err := c.writeSSLRequest(caps); err != nil {
			return err
		}
	}
	c.capabilities = caps & hs.Capabilities

	plugin, err := c.plugins.Lookup(hs.AuthPluginName)
	if err != nil {
		return err
	}
	if err := c.checkConfidentiality(plugin); err != nil {
		return err
	}
	challenge := hs.Challenge
	authResp, err := plugin.HashPassword(c.cfg.Password, challenge)
	if err != nil {
		return err
	}
	if err := c.writeHandshakeResponse(caps, plugin.Name(), authResp); err != nil {
		return err
	}

	for {
		payload, err := c.io.readPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return sqlerr.New(sqlerr.KindProtocolViolation, "empty auth packet")
		}
		switch payload[0] {
		case OKHeader:
			ok, err := parseOK(payload, c.capabilities)
			if err != nil {
				return err
			}
			c.status = ok.Status
			return nil
		case ErrHeader:
			return parseErr(payload)
		case EOFHeader:
			// AuthSwitchRequest: new plugin name and challenge.
			r := NewReader(payload)
			_ = r.Skip(1)
			name, err := r.NulString()
			if err != nil {
				return err
			}
			data := r.Rest()
			if len(data) > 0 && data[len(data)-1] == 0 {
				data = data[:len(data)-1]
			}
			challenge = append([]byte{}, data...)
			if plugin, err = c.plugins.Lookup(name); err != nil {
				return err
			}
			if err := c.checkConfidentiality(plugin); err != nil {
				return err
			}
			resp, err := plugin.HashPassword(c.cfg.Password, challenge)
			if err != nil {
				return err
			}
			if err := c.io.writePacket(resp); err != nil {
				return err
			}
		case AuthMoreDataHeader:
			if err := c.authMoreData(plugin, payload[1:], challenge); err != nil {
				return err
			}
		default:
			return sqlerr.New(sqlerr.KindProtocolViolation,
				"unexpected auth status byte 0x%02x", payload[0])
		}
	}
}

// caching_sha2_password continuation markers.
const (
	fastAuthOK       byte = 0x03
	fullAuthRequired byte = 0x04
)

// authMoreData runs the plugin-specific continuation of an AuthMoreData
// packet: the caching-SHA2 fast/full fork and the SHA-256 family public-key
// response.
func (c *Conn) authMoreData(plugin auth.Plugin, data, challenge []byte) error {
	switch plugin.(type) {
	case auth.CachingSHA2Password:
		if len(data) == 1 && data[0] == fastAuthOK {
			// Cached token accepted; OK follows.
			return nil
		}
		if len(data) == 1 && data[0] == fullAuthRequired {
			if c.secure {
				return c.io.writePacket(append([]byte(c.cfg.Password), 0))
			}
			return c.requestPublicKey(challenge)
		}
		// A longer payload is the PEM key answering a prior retrieval request.
		return c.sendRSAPassword(data, challenge)
	case auth.SHA256Password:
		if c.secure {
			return c.io.writePacket(append([]byte(c.cfg.Password), 0))
		}
		return c.sendRSAPassword(data, challenge)
	default:
		return sqlerr.New(sqlerr.KindProtocolViolation,
			"plugin %s sent unexpected auth continuation", plugin.Name())
	}
}

// requestPublicKey asks the server for its RSA key; refused unless the
// AllowPublicKeyRetrieval option opted in to key exchange over cleartext.
func (c *Conn) requestPublicKey(challenge []byte) error {
	if !c.cfg.AllowPublicKeyRetrieval {
		return sqlerr.New(sqlerr.KindInvalidAuthorization,
			"full authentication over cleartext requires TLS or AllowPublicKeyRetrieval")
	}
	if err := c.io.writePacket([]byte{2}); err != nil {
		return err
	}
	payload, err := c.io.readPacket()
	if err != nil {
		return err
	}
	if len(payload) == 0 || payload[0] != AuthMoreDataHeader {
		if len(payload) > 0 && payload[0] == ErrHeader {
			return parseErr(payload)
		}
		return sqlerr.New(sqlerr.KindProtocolViolation, "expected public key packet")
	}
	return c.sendRSAPassword(payload[1:], challenge)
}

func (c *Conn) sendRSAPassword(pemKey, challenge []byte) error {
	if !c.secure && !c.cfg.AllowPublicKeyRetrieval {
		return sqlerr.New(sqlerr.KindInvalidAuthorization,
			"refusing RSA password exchange over cleartext without AllowPublicKeyRetrieval")
	}
	key, err := auth.ParsePublicKey(pemKey)
	if err != nil {
		return err
	}
	enc, err := auth.EncryptPassword(c.cfg.Password, challenge, key)
	if err != nil {
		return err
	}
	return c.io.writePacket(enc)
}

func (c *Conn) checkConfidentiality(plugin auth.Plugin) error {
	if plugin.RequiresConfidentiality() && !c.secure {
		return sqlerr.New(sqlerr.KindInvalidAuthorization,
			"auth plugin %s requires a TLS transport", plugin.Name())
	}
	return nil
}
