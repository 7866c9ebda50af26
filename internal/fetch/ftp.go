package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/task"
)

// FTP downloads ftp and ftps (explicit TLS) orders.
type FTP struct {
	env *Env
}

func NewFTP(env *Env) *FTP { return &FTP{env: env} }

func (f *FTP) Schemes() []string { return []string{"ftp", "ftps"} }

func (f *FTP) Fetch(t *task.Task, order domain.Order) domain.Delivery {
	if order.URL == nil {
		return domain.Fail(order, domain.StatusFailed, errors.New("order has no locator"))
	}
	if order.Scheme() == "ftp" && !f.env.Config.AllowCleartext {
		return domain.Fail(order, domain.StatusCleartextBlocked, fmt.Errorf("refusing cleartext transfer from %s", order.Host()))
	}

	remote := order.URL.Path
	dir, name := path.Split(remote)
	if name == "" {
		return domain.Fail(order, domain.StatusNotAFile, fmt.Errorf("%s names a directory", remote))
	}

	ctx := t.Context()
	conn, err := f.dial(ctx, order)
	if err != nil {
		return f.failure(t, order, err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			f.env.log().Debug("ftp quit %s: %v", order.Host(), err)
		}
	}()

	user, pass := f.identity(order)
	if err := conn.Login(user, pass); err != nil {
		var tp *textproto.Error
		if errors.As(err, &tp) && !t.Stopped() {
			d := domain.Fail(order, 401, err)
			d.Challenge = &domain.Challenge{Scheme: "ftp", Realm: order.Host(), Host: order.Host()}
			return d
		}
		return f.failure(t, order, err)
	}

	if dir != "" && dir != "/" {
		if err := conn.ChangeDir(dir); err != nil {
			return f.failure(t, order, err)
		}
	}

	entry, err := lookupEntry(conn, name)
	if err != nil {
		return f.failure(t, order, err)
	}
	if entry == nil {
		return domain.Fail(order, 404, &StatusError{Code: 404, URL: order.Locator()})
	}
	if entry.Type == ftp.EntryTypeFolder {
		return domain.Fail(order, domain.StatusNotAFile, fmt.Errorf("%s is a directory", remote))
	}
	size := int64(entry.Size)

	if order.Filename == "" {
		order.Filename = domain.SanitizeFilename(name)
	}
	if err := ensureDir(order.Dir); err != nil {
		return domain.Fail(order, domain.StatusDirUncreatable, err)
	}
	tgt, err := f.env.planTarget(ctx, order.Path(), order.Host(), size, time.Time{})
	if err != nil {
		return domain.Fail(order, domain.StatusFailed, err)
	}
	order = followTarget(t, order, tgt)
	if tgt.complete {
		t.Fraction(1)
		return domain.Delivery{Order: order, Status: 200, Path: tgt.path, Bytes: size}
	}
	if !f.env.hasSpace(order.Dir, size-tgt.offset) {
		return domain.Fail(order, domain.StatusInsufficientSpace, fmt.Errorf("need %d bytes in %s", size-tgt.offset, order.Dir))
	}

	resp, err := conn.RetrFrom(name, uint64(tgt.offset))
	if err != nil && tgt.offset > 0 && !t.Stopped() {
		f.env.log().Info("%s refused to resume %s: %v; restarting", order.Host(), name, err)
		tgt.offset = 0
		resp, err = conn.RetrFrom(name, 0)
	}
	if err != nil {
		return f.failure(t, order, err)
	}
	unblock := context.AfterFunc(ctx, func() { _ = resp.SetDeadline(time.Now()) })
	defer unblock()

	out, err := f.env.open(ctx, tgt, order.Host())
	if err != nil {
		resp.Close()
		return domain.Fail(order, Classify(err), err)
	}

	wire := &countingReader{r: &deadlineReader{ctx: ctx, r: resp, d: f.env.Config.ReadTimeout}}
	n, err := f.env.copy(t, out, transfer{src: wire, wire: wire, offset: tgt.offset, total: size})
	if cerr := out.Close(); err == nil && cerr != nil {
		err = &localError{err: cerr}
	}
	if rerr := resp.Close(); err == nil && rerr != nil && !t.Stopped() {
		err = rerr
	}

	switch {
	case err == nil:
		t.Fraction(1)
		return domain.Delivery{Order: order, Status: 200, Path: tgt.path, MIME: order.MIME, Bytes: tgt.offset + n}
	case errors.Is(err, errStopped) || t.Stopped():
		return f.env.stopped(t, order, tgt, tgt.offset+n)
	default:
		f.env.discard(tgt)
		return domain.Fail(order, Classify(err), err)
	}
}

func (f *FTP) dial(ctx context.Context, order domain.Order) (*ftp.ServerConn, error) {
	addr := order.URL.Host
	if order.URL.Port() == "" {
		addr = net.JoinHostPort(order.URL.Hostname(), "21")
	}
	dial := f.env.dialer(order.Host())
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
			return dial(ctx, network, address)
		}),
	}
	if d := f.env.Config.ConnectTimeout; d > 0 {
		opts = append(opts, ftp.DialWithTimeout(d))
	}
	if order.Scheme() == "ftps" {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: order.URL.Hostname()}))
	}
	return ftp.Dial(addr, opts...)
}

// identity picks the login: caller-supplied credential, then the locator's
// userinfo, then the stored credential, then anonymous.
func (f *FTP) identity(order domain.Order) (string, string) {
	if c := order.Credential; c != nil {
		return c.User, c.Password
	}
	if u := order.URL.User; u != nil {
		pass, _ := u.Password()
		return u.Username(), pass
	}
	for _, scheme := range []string{order.Scheme(), "ftp"} {
		if c, ok := f.env.findCredential(scheme, order.Host(), ""); ok {
			return c.User, c.Password
		}
	}
	return "anonymous", "gowish-" + uuid.NewString() + "@example.invalid"
}

func (f *FTP) failure(t *task.Task, order domain.Order, err error) domain.Delivery {
	if t.Stopped() {
		return domain.Delivery{Order: order, Status: t.Mode().Status()}
	}
	return domain.Fail(order, Classify(err), err)
}

// lookupEntry lists the working directory and returns the entry for name.
func lookupEntry(conn *ftp.ServerConn, name string) (*ftp.Entry, error) {
	entries, err := conn.List("")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, nil
}

// deadlineReader refreshes the data connection deadline before every read.
type deadlineReader struct {
	ctx context.Context
	r   *ftp.Response
	d   time.Duration
}

func (dr *deadlineReader) Read(p []byte) (int, error) {
	if err := dr.ctx.Err(); err != nil {
		return 0, err
	}
	if dr.d > 0 {
		_ = dr.r.SetDeadline(time.Now().Add(dr.d))
	}
	return dr.r.Read(p)
}

var _ io.Reader = (*deadlineReader)(nil)
