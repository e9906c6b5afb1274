package grpctrigger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
	"github.com/djlord-it/easy-trigger/internal/testutil"
)

// pki is a throwaway CA with one server and one client certificate.
type pki struct {
	caPEM      string
	serverCert string
	serverKey  string
	client     tls.Certificate
	roots      *x509.CertPool
}

func newPKI(t *testing.T) *pki {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "easy-trigger test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}

	issue := func(serial int64, usage x509.ExtKeyUsage) (certPEM, keyPEM string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: "localhost"},
			DNSNames:     []string{"localhost"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
		if err != nil {
			t.Fatal(err)
		}
		keyDER, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatal(err)
		}
		return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
			string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	}

	p := &pki{caPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}))}
	p.serverCert, p.serverKey = issue(2, x509.ExtKeyUsageServerAuth)
	clientCert, clientKey := issue(3, x509.ExtKeyUsageClientAuth)
	if p.client, err = tls.X509KeyPair([]byte(clientCert), []byte(clientKey)); err != nil {
		t.Fatal(err)
	}
	p.roots = x509.NewCertPool()
	p.roots.AddCert(ca)
	return p
}

// serveTLS subscribes opts and returns the in-memory listener it serves on.
func serveTLS(t *testing.T, opts Options) (*Enqueuer, *queue.EventQueue, *bufconn.Listener) {
	t.Helper()
	q := queue.NewEventQueue()
	lis := newListeners()
	e := New(enqueuer.Deps{Queue: q}).WithListener(lis.listen).WithStopTimeout(time.Second)
	t.Cleanup(e.Close)

	if err := e.Subscribe(context.Background(), testutil.Target("/fn/orders", "create"), opts); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return e, q, lis.get("0.0.0.0:50051")
}

func dialWith(t *testing.T, lis *bufconn.Listener, creds credentials.TransportCredentials) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///localhost",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip invokes the method, answering the queued event when one arrives.
func roundTrip(t *testing.T, e *Enqueuer, q *queue.EventQueue, conn *grpc.ClientConn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		event, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		e.Complete(event.ID, enqueuer.Result{Status: 200, Body: []byte(`{"ok":true}`)})
	}()

	var reply json.RawMessage
	return conn.Invoke(ctx, method, json.RawMessage(`{}`), &reply)
}

func TestGRPC_ServesTLS(t *testing.T) {
	p := newPKI(t)
	opts := options()
	opts.TLS = &TLS{Key: p.serverKey, Cert: p.serverCert}
	e, q, lis := serveTLS(t, opts)

	secure := dialWith(t, lis, credentials.NewTLS(&tls.Config{RootCAs: p.roots, ServerName: "localhost"}))
	if err := roundTrip(t, e, q, secure); err != nil {
		t.Fatalf("TLS call failed: %v", err)
	}

	plain := dialWith(t, lis, insecure.NewCredentials())
	if err := roundTrip(t, e, q, plain); err == nil {
		t.Error("plaintext client reached a TLS server")
	}
}

func TestGRPC_ServesMutualTLS(t *testing.T) {
	p := newPKI(t)
	opts := options()
	opts.TLS = &TLS{Key: p.serverKey, Cert: p.serverCert, CA: p.caPEM}
	e, q, lis := serveTLS(t, opts)

	anonymous := dialWith(t, lis, credentials.NewTLS(&tls.Config{RootCAs: p.roots, ServerName: "localhost"}))
	if err := roundTrip(t, e, q, anonymous); err == nil {
		t.Error("client without certificate accepted")
	}

	withCert := dialWith(t, lis, credentials.NewTLS(&tls.Config{
		RootCAs:      p.roots,
		ServerName:   "localhost",
		Certificates: []tls.Certificate{p.client},
	}))
	if err := roundTrip(t, e, q, withCert); err != nil {
		t.Fatalf("mutual TLS call failed: %v", err)
	}
}

func TestGRPC_InvalidTLSMaterial(t *testing.T) {
	p := newPKI(t)
	e := New(enqueuer.Deps{Queue: queue.NewEventQueue()}).WithListener(newListeners().listen)
	t.Cleanup(e.Close)
	target := testutil.Target("/fn/orders", "create")

	cases := map[string]*TLS{
		"garbage pair":  {Key: "nope", Cert: "nope"},
		"cert only":     {Cert: p.serverCert},
		"swapped pair":  {Key: p.serverCert, Cert: p.serverKey},
		"ca not a cert": {Key: p.serverKey, Cert: p.serverCert, CA: "not pem"},
	}
	for name, material := range cases {
		opts := options()
		opts.TLS = material
		if err := e.Subscribe(context.Background(), target, opts); !errors.Is(err, enqueuer.ErrInvalidOptions) {
			t.Errorf("%s: Subscribe = %v, want ErrInvalidOptions", name, err)
		}
	}
	if len(e.Subscriptions()) != 0 {
		t.Error("invalid TLS material created subscriptions")
	}
}

// syncBuffer collects log output written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGRPC_EmptyTLSServesPlaintext(t *testing.T) {
	logs := &syncBuffer{}
	log.SetOutput(logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	opts := options()
	opts.TLS = &TLS{}
	e, q, lis := serveTLS(t, opts)

	if err := roundTrip(t, e, q, dialWith(t, lis, insecure.NewCredentials())); err != nil {
		t.Fatalf("plaintext call failed: %v", err)
	}
	if !strings.Contains(logs.String(), "without TLS") {
		t.Errorf("no plaintext warning logged, got %q", logs.String())
	}
}
