package collab

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/poolcore/poolcore/internal/pgwire"
)

const scramIterations = 4096

// ScramCredential is a server-side SCRAM-SHA-256 verifier for one role:
// a salted verifier derived once at credential-creation time, so the
// authenticator never needs to see a plaintext password again.
type ScramCredential struct {
	Salt       []byte
	Iterations int
	StoredKey  [32]byte
	ServerKey  [32]byte
}

// NewScramCredential derives a verifier from a plaintext password, as
// would happen once at role creation.
func NewScramCredential(password string) (ScramCredential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return ScramCredential{}, fmt.Errorf("collab: generating scram salt: %w", err)
	}
	return deriveCredential(password, salt, scramIterations), nil
}

func deriveCredential(password string, salt []byte, iterations int) ScramCredential {
	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))

	var cred ScramCredential
	cred.Salt = append([]byte(nil), salt...)
	cred.Iterations = iterations
	copy(cred.StoredKey[:], storedKey)
	copy(cred.ServerKey[:], serverKey)
	return cred
}

// ScramAuthenticator implements Authenticator by running the server side
// of the SASL/SCRAM-SHA-256 exchange over the PostgreSQL wire protocol
// against an in-memory credential table, keyed by "user/database".
type ScramAuthenticator struct {
	credentials map[string]ScramCredential
}

// NewScramAuthenticator returns an authenticator with no credentials
// registered; use SetCredential to populate it.
func NewScramAuthenticator() *ScramAuthenticator {
	return &ScramAuthenticator{credentials: make(map[string]ScramCredential)}
}

func credentialKey(user, database string) string {
	return user + "/" + database
}

// SetCredential registers the verifier used to authenticate user against
// database. A database-specific entry is consulted before a bare
// per-user fallback (registered with an empty database).
func (s *ScramAuthenticator) SetCredential(user, database string, cred ScramCredential) {
	s.credentials[credentialKey(user, database)] = cred
}

func (s *ScramAuthenticator) lookup(user, database string) (ScramCredential, bool) {
	if cred, ok := s.credentials[credentialKey(user, database)]; ok {
		return cred, true
	}
	cred, ok := s.credentials[credentialKey(user, "")]
	return cred, ok
}

// Authenticate runs the SCRAM-SHA-256 exchange: it announces the
// mechanism, exchanges first and final messages with conn, and verifies
// the client's proof against the stored credential.
func (s *ScramAuthenticator) Authenticate(ctx context.Context, conn net.Conn, user, database string) error {
	cred, ok := s.lookup(user, database)
	if !ok {
		pgwire.WriteErrorResponse(conn, "FATAL", "28000", fmt.Sprintf("no SCRAM credential for role %q", user))
		return fmt.Errorf("collab: no scram credential for %q/%q", user, database)
	}

	mechList := append([]byte("SCRAM-SHA-256"), 0, 0)
	if err := pgwire.WriteAuthentication(conn, pgwire.AuthSASL, mechList); err != nil {
		return fmt.Errorf("collab: sending AuthenticationSASL: %w", err)
	}

	clientFirstRaw, err := readPasswordPayload(conn)
	if err != nil {
		return fmt.Errorf("collab: reading client-first-message: %w", err)
	}
	gs2Header, clientFirstBare, err := parseSASLInitialResponse(clientFirstRaw)
	if err != nil {
		return err
	}
	clientNonce, err := extractField(clientFirstBare, "r=")
	if err != nil {
		return fmt.Errorf("collab: client-first-message missing nonce: %w", err)
	}

	nonceSuffix := make([]byte, 18)
	if _, err := rand.Read(nonceSuffix); err != nil {
		return fmt.Errorf("collab: generating server nonce: %w", err)
	}
	serverNonce := clientNonce + base64.StdEncoding.EncodeToString(nonceSuffix)
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(cred.Salt), cred.Iterations)

	if err := pgwire.WriteAuthentication(conn, pgwire.AuthSASLContinue, []byte(serverFirst)); err != nil {
		return fmt.Errorf("collab: sending server-first-message: %w", err)
	}

	clientFinalRaw, err := readPasswordPayload(conn)
	if err != nil {
		return fmt.Errorf("collab: reading client-final-message: %w", err)
	}
	clientFinal := string(clientFinalRaw)
	nonce, err := extractField(clientFinal, "r=")
	if err != nil {
		return fmt.Errorf("collab: client-final-message missing nonce: %w", err)
	}
	if nonce != serverNonce {
		pgwire.WriteErrorResponse(conn, "FATAL", "28000", "SCRAM nonce mismatch")
		return fmt.Errorf("collab: scram nonce mismatch")
	}
	proofB64, err := extractField(clientFinal, "p=")
	if err != nil {
		return fmt.Errorf("collab: client-final-message missing proof: %w", err)
	}

	proofIdx := strings.LastIndex(clientFinal, ",p=")
	if proofIdx < 0 {
		return fmt.Errorf("collab: malformed client-final-message")
	}
	clientFinalWithoutProof := clientFinal[:proofIdx]
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	_ = gs2Header

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return fmt.Errorf("collab: decoding client proof: %w", err)
	}
	clientSignature := hmacSHA256(cred.StoredKey[:], []byte(authMessage))
	if len(proof) != len(clientSignature) {
		pgwire.WriteErrorResponse(conn, "FATAL", "28P01", "invalid SCRAM proof length")
		return fmt.Errorf("collab: scram proof length mismatch")
	}
	recoveredClientKey := xorBytes(proof, clientSignature)
	recoveredStoredKey := sha256Sum(recoveredClientKey)
	if !hmac.Equal(recoveredStoredKey, cred.StoredKey[:]) {
		pgwire.WriteErrorResponse(conn, "FATAL", "28P01", fmt.Sprintf("password authentication failed for user %q", user))
		return fmt.Errorf("collab: scram proof verification failed for %q", user)
	}

	serverSignature := hmacSHA256(cred.ServerKey[:], []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	if err := pgwire.WriteAuthentication(conn, pgwire.AuthSASLFinal, []byte(serverFinal)); err != nil {
		return fmt.Errorf("collab: sending server-final-message: %w", err)
	}
	if err := pgwire.WriteAuthentication(conn, pgwire.AuthOK, nil); err != nil {
		return fmt.Errorf("collab: sending AuthenticationOk: %w", err)
	}
	return nil
}

// readPasswordPayload reads one PasswordMessage ('p') and returns its
// payload unchanged. For the initial response the caller strips the
// "mechanism\0 + int32 length" framing with parseSASLInitialResponse;
// the final response is used as-is.
func readPasswordPayload(conn net.Conn) ([]byte, error) {
	msgType, payload, err := pgwire.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if msgType != pgwire.PasswordMessage {
		return nil, fmt.Errorf("collab: expected password message, got %q", msgType)
	}
	return payload, nil
}

// parseSASLInitialResponse splits the SASLInitialResponse payload
// ("mechanism\0" + int32(len) + client-first-message) into the
// gs2-header and the bare client-first-message.
func parseSASLInitialResponse(data []byte) (gs2Header, bare string, err error) {
	nul := -1
	for i, b := range data {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", "", fmt.Errorf("collab: SASL initial response missing mechanism terminator")
	}
	rest := data[nul+1:]
	if len(rest) < 4 {
		return "", "", fmt.Errorf("collab: SASL initial response truncated")
	}
	msgLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if msgLen < 0 || msgLen > len(rest) {
		return "", "", fmt.Errorf("collab: SASL initial response length mismatch")
	}
	clientFirst := string(rest[:msgLen])

	parts := strings.SplitN(clientFirst, ",", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("collab: malformed client-first-message %q", clientFirst)
	}
	return parts[0] + "," + parts[1] + ",", parts[2], nil
}

// extractField returns the value of the first comma-separated "key=value"
// attribute in msg whose key matches prefix (e.g. "r=").
func extractField(msg, prefix string) (string, error) {
	for _, part := range strings.Split(msg, ",") {
		if strings.HasPrefix(part, prefix) {
			return part[len(prefix):], nil
		}
	}
	return "", fmt.Errorf("collab: field %q not found in %q", prefix, msg)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
