package gitauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/hectorm/keybridge/internal/credential"
	"github.com/hectorm/keybridge/internal/native"
)

var ErrNoCredential = errors.New("credential did not produce key material")

var _ gitssh.AuthMethod = (*PublicKeys)(nil)

// PublicKeys lets go-git authenticate SSH remotes with a credential. The
// credential is acquired again every time go-git opens a connection.
type PublicKeys struct {
	Credential credential.Credential
	// Subsystem must be the bridge the credential acquires from; nil means
	// native.Default().
	Subsystem *native.Subsystem
	gitssh.HostKeyCallbackHelper
}

func (a *PublicKeys) Name() string {
	return gitssh.PublicKeysName
}

func (a *PublicKeys) String() string {
	return fmt.Sprintf("credential: %T, name: %s", a.Credential, a.Name())
}

func (a *PublicKeys) ClientConfig() (*ssh.ClientConfig, error) {
	if a.Credential == nil {
		return nil, ErrNoCredential
	}

	res, err := a.Credential.Acquire()
	if err != nil {
		return nil, err
	}

	switch {
	case res.NoCredential():
		return nil, ErrNoCredential
	case res.Failed():
		return nil, fmt.Errorf("acquire credential: %w", res.Err())
	}

	handle, ok := res.Handle()
	if !ok {
		return nil, native.ErrInvalidHandle
	}

	subsystem := a.Subsystem
	if subsystem == nil {
		subsystem = native.Default()
	}

	user, auth, err := subsystem.Resolve(handle)
	subsystem.Free(handle)
	if err != nil {
		return nil, err
	}

	return a.SetHostKeyCallback(&ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{auth},
	})
}

// ListRemote returns the references advertised by the remote at url, sorted
// by name.
func ListRemote(ctx context.Context, url string, auth transport.AuthMethod) ([]*plumbing.Reference, error) {
	ep, err := endpoint(url)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClient(ep)
	if err != nil {
		return nil, err
	}

	sess, err := cli.NewUploadPackSession(ep, auth)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	ar, err := sess.AdvertisedReferencesContext(ctx)
	if err != nil {
		return nil, err
	}

	all, err := ar.AllReferences()
	if err != nil {
		return nil, err
	}

	refs := make([]*plumbing.Reference, 0, len(all))
	for _, ref := range all {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b *plumbing.Reference) int {
		return strings.Compare(a.Name().String(), b.Name().String())
	})

	return refs, nil
}

// endpoint parses url. SSH endpoints keep IPv6 hosts unbracketed, since the
// SSH transport joins host and port itself.
func endpoint(url string) (*transport.Endpoint, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, err
	}

	if ep.Protocol == "ssh" && strings.HasPrefix(ep.Host, "[") && strings.HasSuffix(ep.Host, "]") {
		ep.Host = ep.Host[1 : len(ep.Host)-1]
	}

	return ep, nil
}
