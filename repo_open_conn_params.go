package chatws

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type (
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	OpenConnectionParamsGetter func(ctx context.Context, session string) (OpenConnectionParams, error)

	OpenConnectionParamsRepo struct {
		logger logger
		getter OpenConnectionParamsGetter
	}
)

func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
	session string,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx, session)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params for session %s: %s", session, err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// NewSessionParamsGetter builds targets of the form <base>/<prefix>/<session>. The session
// id is escaped as a single path segment and never interpreted.
func NewSessionParamsGetter(base url.URL, prefix string, header http.Header) OpenConnectionParamsGetter {
	prefix = strings.Trim(prefix, "/")

	return func(_ context.Context, session string) (OpenConnectionParams, error) {
		if session == "" {
			return OpenConnectionParams{}, ErrEmptySession
		}
		u, err := SessionURL(base, prefix, session)
		if err != nil {
			return OpenConnectionParams{}, err
		}
		return OpenConnectionParams{URL: u, Header: header.Clone()}, nil
	}
}

// SessionURL joins base, prefix and session into a connection target.
func SessionURL(base url.URL, prefix, session string) (url.URL, error) {
	if base.Scheme == "" || base.Host == "" {
		return url.URL{}, errors.Errorf("base url %q needs a scheme and a host", base.String())
	}

	u := base
	u.RawQuery = ""
	u.Fragment = ""

	var path, raw strings.Builder
	path.WriteString(strings.TrimRight(base.Path, "/"))
	raw.WriteString(strings.TrimRight(base.EscapedPath(), "/"))
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		path.WriteString("/" + prefix)
		raw.WriteString("/" + (&url.URL{Path: prefix}).EscapedPath())
	}
	path.WriteString("/" + session)
	raw.WriteString("/" + url.PathEscape(session))

	u.Path = path.String()
	u.RawPath = raw.String()
	return u, nil
}
