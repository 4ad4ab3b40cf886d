package sshmgr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
	"golang.org/x/crypto/ssh"
)

// GSSClientFactory builds an ssh.GSSAPIClient from an acquired ticket.
type GSSClientFactory func(ticket *TicketHandle) (ssh.GSSAPIClient, error)

// NewKrb5GSSClientFactory returns a factory backed by gokrb5, reading realm
// configuration from krb5ConfPath.
func NewKrb5GSSClientFactory(krb5ConfPath string) GSSClientFactory {
	return func(ticket *TicketHandle) (ssh.GSSAPIClient, error) {
		cfg, err := config.Load(krb5ConfPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", krb5ConfPath, err)
		}
		cc := new(credentials.CCache)
		if err := cc.Unmarshal(ticket.Cache); err != nil {
			return nil, fmt.Errorf("failed to parse credential cache: %w", err)
		}
		cl, err := client.NewFromCCache(cc, cfg, client.DisablePAFXFAST(true))
		if err != nil {
			return nil, fmt.Errorf("failed to create kerberos client: %w", err)
		}
		return &krb5GSSClient{cl: cl}, nil
	}
}

// krb5GSSClient implements the initiator side of gssapi-with-mic (RFC 4462)
// with the Kerberos V5 mechanism.
type krb5GSSClient struct {
	cl             *client.Client
	sessionKey     types.EncryptionKey
	micKey         types.EncryptionKey
	acceptorSubkey bool
}

// servicePrincipal turns the "host@hostname" target used by x/crypto/ssh
// into the Kerberos SPN "host/hostname".
func servicePrincipal(target string) string {
	if service, host, ok := strings.Cut(target, "@"); ok {
		return service + "/" + host
	}
	return "host/" + target
}

func (c *krb5GSSClient) InitSecContext(target string, token []byte, isGSSDelegCreds bool) ([]byte, bool, error) {
	if token == nil {
		tkt, key, err := c.cl.GetServiceTicket(servicePrincipal(target))
		if err != nil {
			return nil, false, fmt.Errorf("failed to get service ticket for %s: %w", target, err)
		}
		apreq, err := spnego.NewKRB5TokenAPREQ(c.cl, tkt, key,
			[]int{gssapi.ContextFlagInteg, gssapi.ContextFlagMutual},
			[]int{flags.APOptionMutualRequired})
		if err != nil {
			return nil, false, fmt.Errorf("failed to build AP-REQ: %w", err)
		}
		out, err := apreq.Marshal()
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal AP-REQ: %w", err)
		}
		c.sessionKey = key
		c.micKey = key
		// Mutual authentication: the acceptor answers with an AP-REP.
		return out, true, nil
	}

	var reply spnego.KRB5Token
	if err := reply.Unmarshal(token); err != nil {
		return nil, false, fmt.Errorf("failed to parse acceptor token: %w", err)
	}
	if reply.IsKRBError() {
		return nil, false, fmt.Errorf("acceptor returned KRB-ERROR: %s", reply.KRBError.Error())
	}
	if !reply.IsAPRep() {
		return nil, false, errors.New("acceptor token is not an AP-REP")
	}

	plain, err := crypto.DecryptEncPart(reply.APRep.EncPart, c.sessionKey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt AP-REP: %w", err)
	}
	var part messages.EncAPRepPart
	if err := part.Unmarshal(plain); err != nil {
		return nil, false, fmt.Errorf("failed to parse AP-REP: %w", err)
	}
	if part.Subkey.KeyType != 0 && len(part.Subkey.KeyValue) > 0 {
		c.micKey = part.Subkey
		c.acceptorSubkey = true
	}
	return nil, false, nil
}

func (c *krb5GSSClient) GetMIC(micField []byte) ([]byte, error) {
	tok := gssapi.MICToken{Payload: micField}
	if c.acceptorSubkey {
		tok.Flags = gssapi.MICTokenFlagAcceptorSubkey
	}
	if err := tok.SetChecksum(c.micKey, keyusage.GSSAPI_INITIATOR_SIGN); err != nil {
		return nil, fmt.Errorf("failed to sign MIC: %w", err)
	}
	return tok.Marshal()
}

func (c *krb5GSSClient) DeleteSecContext() error {
	c.cl.Destroy()
	return nil
}

var _ ssh.GSSAPIClient = (*krb5GSSClient)(nil)
