package ledger

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log file names inside the ledger directory.
const (
	ObservedKeysFile = "observed_keys.txt"
	RevokedKeysFile  = "revoked_keys.txt"
	SeenTokensFile   = "seen_tokens.txt"
	ReceiptsFile     = "receipts.txt"
)

const maxLineSize = 64 * 1024

// FileLedger keeps the whole trust state in memory and appends every mutation to one of four
// newline-delimited logs. Logs are loaded in full on construction; concatenating logs from
// several processes yields a valid ledger.
type FileLedger struct {
	mu       sync.Mutex
	observed map[string]int
	revoked  map[string]struct{}
	seen     map[string]string
	receipts map[string]string
	closed   bool

	observedLog *appendLog
	revokedLog  *appendLog
	seenLog     *appendLog
	receiptLog  *appendLog
}

// NewFileLedger opens (or creates) the ledger stored in dir.
func NewFileLedger(dir string) (*FileLedger, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger: empty directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	l := newFileLedger()
	l.observedLog = &appendLog{path: filepath.Join(dir, ObservedKeysFile)}
	l.revokedLog = &appendLog{path: filepath.Join(dir, RevokedKeysFile)}
	l.seenLog = &appendLog{path: filepath.Join(dir, SeenTokensFile)}
	l.receiptLog = &appendLog{path: filepath.Join(dir, ReceiptsFile)}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewMemoryLedger returns a ledger without durable logs, for tests and ephemeral nodes.
func NewMemoryLedger() *FileLedger {
	return newFileLedger()
}

func newFileLedger() *FileLedger {
	return &FileLedger{
		observed: make(map[string]int),
		revoked:  make(map[string]struct{}),
		seen:     make(map[string]string),
		receipts: make(map[string]string),
	}
}

func (l *FileLedger) load() error {
	if err := l.observedLog.each(func(line string) {
		l.observed[line]++
	}); err != nil {
		return err
	}
	if err := l.revokedLog.each(func(line string) {
		l.revoked[line] = struct{}{}
	}); err != nil {
		return err
	}
	if err := l.seenLog.each(func(line string) {
		token, signer, _ := strings.Cut(line, "|")
		l.seen[token] = signer
	}); err != nil {
		return err
	}
	return l.receiptLog.each(func(line string) {
		if id, signer, ok := strings.Cut(line, "|"); ok {
			l.receipts[id] = signer
		}
	})
}

func (l *FileLedger) RecordObservedKey(ctx context.Context, pub []byte) error {
	k, err := encodeKey(pub)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.observedLog.append(k); err != nil {
		return err
	}
	l.observed[k]++
	return nil
}

func (l *FileLedger) IsRevoked(ctx context.Context, pub []byte) (bool, error) {
	k, err := encodeKey(pub)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	_, ok := l.revoked[k]
	return ok, nil
}

func (l *FileLedger) Revoke(ctx context.Context, pub []byte) error {
	k, err := encodeKey(pub)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.revoked[k]; ok {
		return nil
	}
	if err := l.revokedLog.append(k); err != nil {
		return err
	}
	l.revoked[k] = struct{}{}
	return nil
}

func (l *FileLedger) TrustScore(ctx context.Context, pub []byte) (int, error) {
	k, err := encodeKey(pub)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if _, ok := l.revoked[k]; ok {
		return 0, nil
	}
	return l.observed[k], nil
}

func (l *FileLedger) IsSeenToken(ctx context.Context, tokenID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	_, ok := l.seen[tokenID]
	return ok, nil
}

func (l *FileLedger) MarkTokenSeen(ctx context.Context, tokenID, signerB64 string) error {
	_, err := l.ClaimToken(ctx, tokenID, signerB64)
	return err
}

func (l *FileLedger) ClaimToken(ctx context.Context, tokenID, signerB64 string) (bool, error) {
	if err := checkField(tokenID); err != nil {
		return false, err
	}
	if strings.ContainsAny(signerB64, "|\r\n") {
		return false, ErrInvalidKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	if _, ok := l.seen[tokenID]; ok {
		return false, nil
	}
	// The token only counts as seen in memory once it is on disk, so a failed append
	// leaves it claimable and the caller rejects the offer.
	if err := l.seenLog.append(tokenID + "|" + signerB64); err != nil {
		return false, err
	}
	l.seen[tokenID] = signerB64
	return true, nil
}

func (l *FileLedger) RecordReceipt(ctx context.Context, contentID, signerB64 string) error {
	if err := checkField(contentID); err != nil {
		return err
	}
	if err := checkField(signerB64); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.receiptLog.append(contentID + "|" + signerB64); err != nil {
		return err
	}
	l.receipts[contentID] = signerB64
	return nil
}

func (l *FileLedger) Receipt(ctx context.Context, contentID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", false, ErrClosed
	}
	signer, ok := l.receipts[contentID]
	return signer, ok, nil
}

func (l *FileLedger) MergeRevocations(ctx context.Context, keysB64 []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	added := 0
	for _, k := range normalizeRevocations(keysB64) {
		if _, ok := l.revoked[k]; ok {
			continue
		}
		if err := l.revokedLog.append(k); err != nil {
			return added, err
		}
		l.revoked[k] = struct{}{}
		added++
	}
	return added, nil
}

func (l *FileLedger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, lg := range []*appendLog{l.observedLog, l.revokedLog, l.seenLog, l.receiptLog} {
		if err := lg.truncate(); err != nil {
			return err
		}
	}
	l.observed = make(map[string]int)
	l.revoked = make(map[string]struct{})
	l.seen = make(map[string]string)
	l.receipts = make(map[string]string)
	return nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// appendLog is one newline-delimited log. A nil *appendLog is a memory-only ledger.
type appendLog struct {
	mu   sync.Mutex
	path string
}

func (a *appendLog) append(line string) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", filepath.Base(a.path), err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("ledger: append %s: %w", filepath.Base(a.path), err)
	}
	return f.Sync()
}

func (a *appendLog) each(fn func(line string)) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: load %s: %w", filepath.Base(a.path), err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ledger: load %s: %w", filepath.Base(a.path), err)
	}
	return nil
}

func (a *appendLog) truncate() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.Truncate(a.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledger: truncate %s: %w", filepath.Base(a.path), err)
	}
	return nil
}

var _ Ledger = (*FileLedger)(nil)
