package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"
	"github.com/inconshreveable/go-vhost"
	"github.com/sirupsen/logrus"

	"github.com/chakabnb/offline-proxy/internal/config"
)

// Offline caching of HTTPS subresources requires terminating TLS at the
// proxy. With no CA configured, goproxy's built-in certificate is used;
// browsers must trust whichever CA signs the forged certificates.
func loadCertificate(cfg *config.Config) (*tls.Certificate, error) {
	if cfg.Server.HTTPS.CACertFile == "" || cfg.Server.HTTPS.CAKeyFile == "" {
		logrus.Debugf("No CA certificate configured, using goproxy default certificate")
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.HTTPS.CACertFile, cfg.Server.HTTPS.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate and key: %w", err)
	}
	logrus.Debugf("Loaded CA certificate from %s", cfg.Server.HTTPS.CACertFile)
	return &cert, nil
}

func (s *Server) setupHTTPSProxyHandler() {
	caCert, err := loadCertificate(s.config)
	if err != nil {
		logrus.Errorf("Failed to load CA certificate: %v", err)
		return
	}

	s.proxy.CertStore = newCertStore()

	if caCert == nil {
		logrus.Warnf("TLS interception enabled but no CA certificate loaded, using goproxy default certificate")
		s.proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
		return
	}

	customCaMitm := &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: goproxy.TLSConfigFromCA(caCert),
	}
	customAlwaysMitm := goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		logrus.Debugf("Handling CONNECT request for %s", host)
		return customCaMitm, host
	})
	s.proxy.OnRequest().HandleConnect(customAlwaysMitm)
}

// StartTransparentHTTPS accepts raw TLS connections on httpsAddr, peeks the
// SNI host, and replays them through the proxy as CONNECT requests. This
// lets pages reach the offline cache without any proxy configuration.
func (s *Server) StartTransparentHTTPS(httpsAddr string) {
	ln, err := net.Listen("tcp", httpsAddr)
	if err != nil {
		logrus.Fatalf("Error listening for https connections - %v", err)
	}
	logrus.Infof("Transparent HTTPS listener on %s", httpsAddr)
	for {
		c, err := ln.Accept()
		if err != nil {
			logrus.Errorf("Error accepting new connection - %v", err)
			continue
		}
		go func(c net.Conn) {
			tlsConn, err := vhost.TLS(c)
			if err != nil {
				logrus.Errorf("Error accepting new connection - %v", err)
				return
			}
			if tlsConn.Host() == "" {
				logrus.Errorf("Cannot support non-SNI enabled clients")
				return
			}
			connectReq := &http.Request{
				Method: http.MethodConnect,
				URL: &url.URL{
					Opaque: tlsConn.Host(),
					Host:   net.JoinHostPort(tlsConn.Host(), "443"),
				},
				Host:       tlsConn.Host(),
				Header:     make(http.Header),
				RemoteAddr: c.RemoteAddr().String(),
			}
			resp := dumbResponseWriter{tlsConn}
			s.proxy.ServeHTTP(resp, connectReq)
		}(c)
	}
}

// dumbResponseWriter adapts a hijacked TLS connection to the ResponseWriter
// goproxy expects for CONNECT handling. Only Hijack is meaningfully used.
type dumbResponseWriter struct {
	net.Conn
}

func (w dumbResponseWriter) Header() http.Header {
	panic("Header() should not be called on this ResponseWriter")
}

func (w dumbResponseWriter) Write(buf []byte) (int, error) {
	if string(buf) == "HTTP/1.0 200 OK\r\n\r\n" {
		// throw away the tunnel confirmation, the client never sent CONNECT
		return len(buf), nil
	}
	return w.Conn.Write(buf)
}

func (w dumbResponseWriter) WriteHeader(code int) {
	panic("WriteHeader() should not be called on this ResponseWriter")
}

func (w dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.Conn, bufio.NewReadWriter(bufio.NewReader(w.Conn), bufio.NewWriter(w.Conn)), nil
}
