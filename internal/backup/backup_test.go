package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/metrics"
	"github.com/vaultctl/walletctl/internal/record"
	"github.com/vaultctl/walletctl/internal/storage"
)

// memWallet is an in-memory Source and Destination
type memWallet struct {
	mu      sync.Mutex
	records map[string]record.WalletRecord
	order   []string
}

func newMemWallet(recs ...record.WalletRecord) *memWallet {
	w := &memWallet{records: map[string]record.WalletRecord{}}
	for _, r := range recs {
		_ = w.AddRecord(context.Background(), r)
	}
	return w
}

func memKey(typ, name string) string { return typ + "\x00" + name }

func (w *memWallet) FindAllRecords(ctx context.Context) ([]record.WalletRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]record.WalletRecord, 0, len(w.order))
	for _, k := range w.order {
		out = append(out, w.records[k])
	}
	return out, nil
}

func (w *memWallet) Count(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.records)), nil
}

func (w *memWallet) FindRecord(ctx context.Context, typ, name string) (*record.WalletRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.records[memKey(typ, name)]; ok {
		return &r, nil
	}
	return nil, nil
}

func (w *memWallet) AddRecord(ctx context.Context, rec record.WalletRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := memKey(rec.Type, rec.Name)
	if _, ok := w.records[k]; ok {
		return storage.ErrDuplicate
	}
	w.records[k] = rec
	w.order = append(w.order, k)
	return nil
}

func rawPassphrase(t *testing.T) string {
	t.Helper()
	key, err := crypto.NewEngine(nil).GenerateRawKey()
	require.NoError(t, err)
	return key
}

func makeRecords(n int) []record.WalletRecord {
	recs := make([]record.WalletRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.New(
			"cred",
			fmt.Sprintf("cred-%04d", i),
			fmt.Sprintf(`{"seq":%d}`, i),
			record.Searchable("schema", "degree"),
			record.Unencrypted("index", fmt.Sprint(i)),
		))
	}
	return recs
}

func exportBytes(t *testing.T, src Source, pass string, opts ...Option) []byte {
	t.Helper()
	data, p, err := ExportBytes(context.Background(), src, pass, opts...)
	require.NoError(t, err)
	assert.True(t, p.Done)
	return data
}

func assertSameRecords(t *testing.T, want, got []record.WalletRecord) {
	t.Helper()
	require.Len(t, got, len(want))
	index := map[string]record.WalletRecord{}
	for _, r := range got {
		index[memKey(r.Type, r.Name)] = r
	}
	for _, r := range want {
		g, ok := index[memKey(r.Type, r.Name)]
		require.True(t, ok, "missing %s/%s", r.Type, r.Name)
		assert.True(t, r.Equal(g), "record %s/%s differs", r.Type, r.Name)
	}
}

func TestRoundTrip(t *testing.T) {
	big := strings.Repeat("0123456789abcdef", 300)
	tests := []struct {
		name    string
		records []record.WalletRecord
	}{
		{"empty", nil},
		{"one", []record.WalletRecord{record.New("did", "abc", "{}", record.Unencrypted("public", "true"))}},
		{"thousand", makeRecords(1000)},
		{"larger than chunk", []record.WalletRecord{
			record.New("key", "big", big),
			record.New("key", "small", "s"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pass := rawPassphrase(t)
			data := exportBytes(t, newMemWallet(tt.records...), pass, WithMethod(crypto.MethodRaw))

			dst := newMemWallet()
			p, err := Wait(Restore(context.Background(), dst, bytes.NewReader(data), pass))
			require.NoError(t, err)
			assert.True(t, p.Done)
			assert.Equal(t, len(tt.records), p.Processed)
			assert.Equal(t, len(tt.records), p.Total)

			got, err := dst.FindAllRecords(context.Background())
			require.NoError(t, err)
			assertSameRecords(t, tt.records, got)
		})
	}
}

func TestRoundTripWithPassphrase(t *testing.T) {
	recs := []record.WalletRecord{record.New("did", "abc", `{"verkey":"x"}`, record.Unencrypted("public", "true"))}
	data := exportBytes(t, newMemWallet(recs...), "correct-horse", WithMethod(crypto.MethodArgon2Interactive))

	header, err := Inspect(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, crypto.MethodArgon2Interactive, header.Method)
	assert.Len(t, header.Salt, crypto.SaltSize)
	assert.Equal(t, make([]byte, crypto.NonceSize), header.Nonce)
	assert.Equal(t, DefaultChunkSize, header.ChunkSize)
	assert.Equal(t, FormatVersion, header.Version)

	_, got, err := Read(bytes.NewReader(data), "correct-horse")
	require.NoError(t, err)
	assertSameRecords(t, recs, got)

	_, _, err = Read(bytes.NewReader(data), "wrong")
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}

func TestChunkSizes(t *testing.T) {
	recs := makeRecords(20)
	for _, size := range []int{1, 7, 16, 32, 4096} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			pass := rawPassphrase(t)
			var buf bytes.Buffer
			require.NoError(t, Write(context.Background(), &buf, recs, pass, nil, WithMethod(crypto.MethodRaw), WithChunkSize(size)))

			header, got, err := Read(bytes.NewReader(buf.Bytes()), pass)
			require.NoError(t, err)
			assert.Equal(t, size, header.ChunkSize)
			assertSameRecords(t, recs, got)
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := newHeader(crypto.DerivationData{Method: crypto.MethodArgon2Moderate, Salt: bytes.Repeat([]byte{0xfe}, crypto.SaltSize)},
		DefaultChunkSize, time.Unix(1700000000, 0))
	b, err := h.MarshalBinary()
	require.NoError(t, err)

	parsed, err := UnmarshalHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

// splitBackup returns the header bytes and the encrypted payload
func splitBackup(t *testing.T, data []byte) ([]byte, []byte) {
	t.Helper()
	n := binary.LittleEndian.Uint32(data[:4])
	return data[4 : 4+n], data[4+n:]
}

func joinBackup(header, payload []byte) []byte {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(header)))
	out := append(prefix[:], header...)
	return append(out, payload...)
}

func TestTamperedPayloadIsRejected(t *testing.T) {
	pass := rawPassphrase(t)
	data := exportBytes(t, newMemWallet(makeRecords(3)...), pass, WithMethod(crypto.MethodRaw))
	_, payload := splitBackup(t, data)
	start := len(data) - len(payload)

	for _, i := range []int{start, start + 40, len(data) - 1} {
		tampered := bytes.Clone(data)
		tampered[i] ^= 0x01

		dst := newMemWallet()
		p, err := Wait(Restore(context.Background(), dst, bytes.NewReader(tampered), pass))
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed, "offset %d", i)
		assert.Zero(t, p.Processed)

		n, _ := dst.Count(context.Background())
		assert.Zero(t, n, "tampered restore committed records")
	}
}

func TestSwappedHeaderIsRejected(t *testing.T) {
	pass := rawPassphrase(t)
	data := exportBytes(t, newMemWallet(makeRecords(2)...), pass, WithMethod(crypto.MethodRaw))
	headerBytes, payload := splitBackup(t, data)

	header, err := UnmarshalHeader(headerBytes)
	require.NoError(t, err)
	header.Timestamp = header.Timestamp.Add(time.Hour)
	forged, err := header.MarshalBinary()
	require.NoError(t, err)

	_, _, err = Read(bytes.NewReader(joinBackup(forged, payload)), pass)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestTruncatedPayloadIsRejected(t *testing.T) {
	pass := rawPassphrase(t)
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, makeRecords(10), pass, nil,
		WithMethod(crypto.MethodRaw), WithChunkSize(16)))
	headerBytes, payload := splitBackup(t, buf.Bytes())

	chunk := 16 + crypto.TagSize
	require.Greater(t, len(payload), 4*chunk)

	// dropping whole chunks leaves every remaining chunk authentic
	_, _, err := Read(bytes.NewReader(joinBackup(headerBytes, payload[:3*chunk])), pass)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	// cutting into a chunk breaks its authentication
	_, _, err = Read(bytes.NewReader(joinBackup(headerBytes, payload[:3*chunk+5])), pass)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	// the hash alone is not a backup
	_, _, err = Read(bytes.NewReader(joinBackup(headerBytes, payload[:2*chunk])), pass)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestTrailingDataIsRejected(t *testing.T) {
	e := crypto.NewEngine(nil)
	pass := rawPassphrase(t)
	key, err := e.DeriveMasterKey(pass, crypto.DerivationData{Method: crypto.MethodRaw})
	require.NoError(t, err)

	header := newHeader(crypto.DerivationData{Method: crypto.MethodRaw}, 8, time.Now())
	headerBytes, err := header.MarshalBinary()
	require.NoError(t, err)

	var payload bytes.Buffer
	cw := newChunkWriter(&payload, e, key, header.Nonce, header.ChunkSize)
	_, err = cw.Write(e.Hash(headerBytes))
	require.NoError(t, err)
	_, err = cw.Write([]byte{0, 0, 0, 0, 'j', 'u', 'n', 'k'})
	require.NoError(t, err)
	require.NoError(t, cw.Close())

	_, _, err = Read(bytes.NewReader(joinBackup(headerBytes, payload.Bytes())), pass)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestUnsupportedVersion(t *testing.T) {
	header := newHeader(crypto.DerivationData{Method: crypto.MethodRaw}, DefaultChunkSize, time.Now())
	header.Version = 1
	headerBytes, err := header.MarshalBinary()
	require.NoError(t, err)

	_, _, err = Read(bytes.NewReader(joinBackup(headerBytes, nil)), rawPassphrase(t))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestMalformedHeader(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":        nil,
		"zero length":  {0, 0, 0, 0},
		"huge length":  {0xff, 0xff, 0xff, 0x7f},
		"short header": {10, 0, 0, 0, 1, 2},
		"garbage":      joinBackup([]byte{0xc1, 0xc1}, nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := Read(bytes.NewReader(data), "pass")
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRestoreModes(t *testing.T) {
	pass := rawPassphrase(t)
	recs := makeRecords(3)
	data := exportBytes(t, newMemWallet(recs...), pass, WithMethod(crypto.MethodRaw))

	t.Run("empty only", func(t *testing.T) {
		dst := newMemWallet(record.New("other", "x", "y"))
		_, err := Wait(Restore(context.Background(), dst, bytes.NewReader(data), pass))
		assert.ErrorIs(t, err, ErrWalletNotEmpty)
		n, _ := dst.Count(context.Background())
		assert.EqualValues(t, 1, n)
	})

	t.Run("merge", func(t *testing.T) {
		dst := newMemWallet(record.New("other", "x", "y"))
		p, err := Wait(Restore(context.Background(), dst, bytes.NewReader(data), pass, WithMode(ModeMerge)))
		require.NoError(t, err)
		assert.Equal(t, 3, p.Processed)
		n, _ := dst.Count(context.Background())
		assert.EqualValues(t, 4, n)
	})

	t.Run("merge collision commits nothing", func(t *testing.T) {
		dst := newMemWallet(recs[1])
		_, err := Wait(Restore(context.Background(), dst, bytes.NewReader(data), pass, WithMode(ModeMerge)))
		assert.ErrorIs(t, err, storage.ErrDuplicate)
		n, _ := dst.Count(context.Background())
		assert.EqualValues(t, 1, n)
	})

	t.Run("skip duplicates", func(t *testing.T) {
		dst := newMemWallet(recs[1])
		p, err := Wait(Restore(context.Background(), dst, bytes.NewReader(data), pass, WithMode(ModeMergeSkipDuplicates)))
		require.NoError(t, err)
		assert.Equal(t, 3, p.Processed)
		assert.Equal(t, 1, p.Skipped)
		n, _ := dst.Count(context.Background())
		assert.EqualValues(t, 3, n)
	})
}

func TestProgressStream(t *testing.T) {
	pass := rawPassphrase(t)
	m := metrics.New()
	var buf bytes.Buffer
	var msgs []Progress
	for p := range Export(context.Background(), newMemWallet(makeRecords(5)...), &buf, pass,
		WithMethod(crypto.MethodRaw), WithMetrics(m)) {
		msgs = append(msgs, p)
	}
	require.Len(t, msgs, 6)
	for i, p := range msgs[:5] {
		assert.Equal(t, i+1, p.Processed)
		assert.Equal(t, 5, p.Total)
		assert.False(t, p.Done)
	}
	assert.True(t, msgs[5].Done)
	assert.NoError(t, msgs[5].Err)

	msgs = nil
	for p := range Restore(context.Background(), newMemWallet(), bytes.NewReader(buf.Bytes()), pass, WithMetrics(m)) {
		msgs = append(msgs, p)
	}
	require.Len(t, msgs, 6)
	assert.True(t, msgs[5].Done)
	assert.Equal(t, 5, msgs[5].Processed)
}

func TestCancelledStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pass := rawPassphrase(t)
	_, err := Wait(Export(ctx, newMemWallet(makeRecords(50)...), &bytes.Buffer{}, pass, WithMethod(crypto.MethodRaw)))
	assert.Error(t, err)
}

func TestFileRoundTrip(t *testing.T) {
	pass := rawPassphrase(t)
	recs := makeRecords(4)
	path := filepath.Join(t.TempDir(), "backups", "wallet.bak")

	p, err := Wait(ExportFile(context.Background(), newMemWallet(recs...), path, pass, WithMethod(crypto.MethodRaw)))
	require.NoError(t, err)
	assert.Equal(t, 4, p.Processed)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file left behind")

	header, err := InspectFile(path)
	require.NoError(t, err)
	assert.Equal(t, crypto.MethodRaw, header.Method)

	dst := newMemWallet()
	_, err = Wait(RestoreFile(context.Background(), dst, path, pass))
	require.NoError(t, err)
	got, _ := dst.FindAllRecords(context.Background())
	assertSameRecords(t, recs, got)

	_, err = Wait(RestoreFile(context.Background(), dst, filepath.Join(t.TempDir(), "missing"), pass))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeEmptyOnly, ModeMerge, ModeMergeSkipDuplicates} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	_, err := ParseMode("overwrite")
	assert.Error(t, err)
}
