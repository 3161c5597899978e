package remailer

import (
	"net"
	"strconv"
)

// Well-known ports.
const (
	SMTPPort   = 25
	SOCKS5Port = 1080
)

// ProxyParameters describes the SOCKS5 proxy a connection tunnels through.
// They are fixed for the lifetime of the connection.
type ProxyParameters struct {
	Host     string
	Port     int
	Username string
	Password string
}

// HasCredentials reports whether username/password authentication should be
// offered to the proxy.
func (p ProxyParameters) HasCredentials() bool {
	return p.Username != ""
}

// Addr returns host:port, defaulting the port to SOCKS5Port.
func (p ProxyParameters) Addr() string {
	port := p.Port
	if port == 0 {
		port = SOCKS5Port
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}
