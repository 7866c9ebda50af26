package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/task"
)

// SFTP downloads sftp orders over SSH.
type SFTP struct {
	env *Env
}

func NewSFTP(env *Env) *SFTP { return &SFTP{env: env} }

func (s *SFTP) Schemes() []string { return []string{"sftp"} }

func (s *SFTP) Fetch(t *task.Task, order domain.Order) domain.Delivery {
	if order.URL == nil {
		return domain.Fail(order, domain.StatusFailed, errors.New("order has no locator"))
	}
	ctx := t.Context()

	auth, user, err := s.authMethods(order)
	if err != nil {
		return domain.Fail(order, domain.StatusFailed, err)
	}
	if len(auth) == 0 {
		d := domain.Fail(order, 401, fmt.Errorf("no credential for %s", order.Host()))
		d.Challenge = &domain.Challenge{Scheme: "sftp", Realm: order.Host(), Host: order.Host()}
		return d
	}

	client, closeAll, err := s.connect(ctx, order, user, auth)
	if err != nil {
		return s.failure(t, order, err)
	}
	defer closeAll()

	remote := order.URL.Path
	info, err := client.Stat(remote)
	if err != nil {
		return s.failure(t, order, err)
	}
	if info.IsDir() {
		return domain.Fail(order, domain.StatusNotAFile, fmt.Errorf("%s is a directory", remote))
	}
	size := info.Size()

	if order.Filename == "" {
		order.Filename = domain.FilenameFromURL(order.URL)
	}
	if order.Filename == "" {
		return domain.Fail(order, domain.StatusMissingFilename, errors.New("no filename in locator"))
	}
	if err := ensureDir(order.Dir); err != nil {
		return domain.Fail(order, domain.StatusDirUncreatable, err)
	}
	tgt, err := s.env.planTarget(ctx, order.Path(), order.Host(), size, info.ModTime())
	if err != nil {
		return domain.Fail(order, domain.StatusFailed, err)
	}
	order = followTarget(t, order, tgt)
	if tgt.complete {
		t.Fraction(1)
		return domain.Delivery{Order: order, Status: 200, Path: tgt.path, Bytes: size}
	}
	if !s.env.hasSpace(order.Dir, size-tgt.offset) {
		return domain.Fail(order, domain.StatusInsufficientSpace, fmt.Errorf("need %d bytes in %s", size-tgt.offset, order.Dir))
	}

	in, err := client.Open(remote)
	if err != nil {
		return s.failure(t, order, err)
	}
	defer in.Close()
	if tgt.offset > 0 {
		if _, err := in.Seek(tgt.offset, io.SeekStart); err != nil {
			s.env.log().Info("cannot seek %s on %s: %v; restarting", remote, order.Host(), err)
			tgt.offset = 0
		}
	}

	out, err := s.env.open(ctx, tgt, order.Host())
	if err != nil {
		return domain.Fail(order, Classify(err), err)
	}
	wire := &countingReader{r: in}
	n, err := s.env.copy(t, out, transfer{src: wire, wire: wire, offset: tgt.offset, total: size})
	if cerr := out.Close(); err == nil && cerr != nil {
		err = &localError{err: cerr}
	}

	switch {
	case err == nil:
		_ = chtimes(tgt.path, info.ModTime())
		t.Fraction(1)
		return domain.Delivery{Order: order, Status: 200, Path: tgt.path, MIME: order.MIME, Bytes: tgt.offset + n}
	case errors.Is(err, errStopped) || t.Stopped():
		return s.env.stopped(t, order, tgt, tgt.offset+n)
	default:
		s.env.discard(tgt)
		return domain.Fail(order, sftpStatus(err), err)
	}
}

// connect dials, performs the SSH handshake and opens the SFTP subsystem.
// The returned func closes everything and is safe to call once.
func (s *SFTP) connect(ctx context.Context, order domain.Order, user string, auth []ssh.AuthMethod) (*sftp.Client, func(), error) {
	addr := order.URL.Host
	if order.URL.Port() == "" {
		addr = net.JoinHostPort(order.URL.Hostname(), "22")
	}

	raw, err := s.env.dialer(order.Host())(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	conn := net.Conn(&idleConn{Conn: raw, d: s.env.Config.ReadTimeout})

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.env.Config.ConnectTimeout,
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(sc, chans, reqs)
	unblock := context.AfterFunc(ctx, func() { sshClient.Close() })

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		unblock()
		sshClient.Close()
		return nil, nil, err
	}
	return client, func() {
		unblock()
		client.Close()
		sshClient.Close()
	}, nil
}

// authMethods resolves the user and SSH auth methods for order.
func (s *SFTP) authMethods(order domain.Order) ([]ssh.AuthMethod, string, error) {
	var (
		user, pass, key string
	)
	switch {
	case order.Credential != nil:
		user, pass, key = order.Credential.User, order.Credential.Password, order.Credential.PrivateKey
	case order.URL.User != nil:
		user = order.URL.User.Username()
		pass, _ = order.URL.User.Password()
		if pass == "" {
			if c, ok := s.env.findCredential("sftp", order.Host(), user); ok {
				pass, key = c.Password, c.PrivateKey
			}
		}
	default:
		if c, ok := s.env.findCredential("sftp", order.Host(), ""); ok {
			user, pass, key = c.User, c.Password, c.PrivateKey
		}
	}

	var methods []ssh.AuthMethod
	if key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, "", fmt.Errorf("invalid private key for %s: %w", order.Host(), err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if pass != "" {
		methods = append(methods,
			ssh.Password(pass),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pass
				}
				return answers, nil
			}),
		)
	}
	return methods, user, nil
}

func (s *SFTP) failure(t *task.Task, order domain.Order, err error) domain.Delivery {
	if t.Stopped() {
		return domain.Delivery{Order: order, Status: t.Mode().Status()}
	}
	return domain.Fail(order, sftpStatus(err), err)
}

// sftpStatus maps SSH and SFTP failures onto delivery statuses.
func sftpStatus(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 404
	case errors.Is(err, fs.ErrPermission):
		return 403
	}
	var le *localError
	if errors.As(err, &le) || errors.Is(err, errIdle) {
		return Classify(err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return 403
	case strings.Contains(msg, "no common algorithm"):
		return 501
	}
	return domain.StatusNoConnectivity
}

// idleConn refreshes the read deadline before every read.
type idleConn struct {
	net.Conn
	d time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.d > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.d))
	}
	return c.Conn.Read(p)
}
