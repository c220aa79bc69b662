package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kardianos/authd/clock"
)

func openTestStore(t *testing.T, dir string, initialize bool) *FileStore {
	t.Helper()
	store, err := OpenFileStore(FileStoreConfig{Dir: dir, Initialize: initialize})
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	return store
}

func TestFileStoreBootstrap(t *testing.T) {
	dir := t.TempDir()

	if _, err := OpenFileStore(FileStoreConfig{Dir: dir}); err == nil {
		t.Fatal("opening a missing store without Initialize should fail")
	}

	store := openTestStore(t, dir, true)
	if store.HasEntry("anyone") {
		t.Fatal("bootstrapped store is not empty")
	}
	if _, err := os.Stat(filepath.Join(dir, storeFilename)); err != nil {
		t.Fatalf("store file missing after bootstrap: %v", err)
	}

	// A second open without Initialize now succeeds.
	openTestStore(t, dir, false)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, dir, true)
	if err := store.AddEntry("alice", []byte("alice-key"), true); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := store.AddEntry("bob", []byte("bob-key"), false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	reopened := openTestStore(t, dir, false)
	creds, err := reopened.Credentials("alice")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if string(creds) != "alice-key" {
		t.Fatalf("credentials = %q, want %q", creds, "alice-key")
	}
	if admin, _ := reopened.IsAdmin("alice"); !admin {
		t.Fatal("admin flag lost across reopen")
	}
	if admin, _ := reopened.IsAdmin("bob"); admin {
		t.Fatal("bob gained admin across reopen")
	}
}

func TestFileStoreUnknownID(t *testing.T) {
	store := openTestStore(t, t.TempDir(), true)

	if _, err := store.Credentials("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Credentials: got %v, want ErrNotFound", err)
	}
	if _, err := store.IsAdmin("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("IsAdmin: got %v, want ErrNotFound", err)
	}
	if err := store.SetAdmin("nobody", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetAdmin: got %v, want ErrNotFound", err)
	}
}

func TestFileStoreRemoveEntry(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, true)

	if err := store.AddEntry("alice", []byte("key"), false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := store.RemoveEntry("alice"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if store.HasEntry("alice") {
		t.Fatal("entry still present after removal")
	}
	// Removing an absent id is a no-op.
	if err := store.RemoveEntry("alice"); err != nil {
		t.Fatalf("RemoveEntry absent: %v", err)
	}

	if openTestStore(t, dir, false).HasEntry("alice") {
		t.Fatal("removal did not persist")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, true)
	if err := store.AddEntry("alice", []byte("key"), false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	path := filepath.Join(dir, storeFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Flipped payload byte.
	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0x01
	if err := os.WriteFile(path, corrupt, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenFileStore(FileStoreConfig{Dir: dir}); err == nil {
		t.Fatal("corrupt file was accepted")
	}

	// Truncated file.
	if err := os.WriteFile(path, data[:len(data)-1], 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenFileStore(FileStoreConfig{Dir: dir}); err == nil {
		t.Fatal("truncated file was accepted")
	}

	// Shorter than the checksum trailer.
	if err := os.WriteFile(path, data[:checksumSize-1], 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenFileStore(FileStoreConfig{Dir: dir}); err == nil {
		t.Fatal("undersized file was accepted")
	}
}

func TestFileStorePermissions(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, true)
	if err := store.AddEntry("alice", []byte("key"), false); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	path := filepath.Join(dir, storeFilename)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("permissions = %o, want 600", perm)
	}

	// A loosened file is tightened again on open.
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	openTestStore(t, dir, false)
	info, err = os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("permissions after reopen = %o, want 600", perm)
	}
}

func TestFileStoreRegistrationWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	store, err := OpenFileStore(FileStoreConfig{
		Dir:                t.TempDir(),
		Initialize:         true,
		RegistrationWindow: 2 * time.Minute,
		Clock:              clk,
	})
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	if !store.RegistrationOpen() {
		t.Fatal("window closed immediately after open")
	}
	if err := store.SetCredentials("mower", []byte("key")); err != nil {
		t.Fatalf("SetCredentials inside window: %v", err)
	}

	// Inclusive boundary.
	clk.Advance(2 * time.Minute)
	if !store.RegistrationOpen() {
		t.Fatal("window closed at the boundary")
	}

	clk.Advance(time.Millisecond)
	if store.RegistrationOpen() {
		t.Fatal("window still open past the boundary")
	}
	if err := store.SetCredentials("late", []byte("key")); !errors.Is(err, ErrRegistrationClosed) {
		t.Fatalf("SetCredentials after window: got %v, want ErrRegistrationClosed", err)
	}

	// AddEntry is authorization-gated, not window-gated.
	if err := store.AddEntry("carol", []byte("key"), false); err != nil {
		t.Fatalf("AddEntry after window: %v", err)
	}
}

func TestFileStoreZeroWindowDisablesRegistration(t *testing.T) {
	store := openTestStore(t, t.TempDir(), true)
	if store.RegistrationOpen() {
		t.Fatal("zero-length window reported open")
	}
	if err := store.SetCredentials("mower", []byte("key")); !errors.Is(err, ErrRegistrationClosed) {
		t.Fatalf("SetCredentials: got %v, want ErrRegistrationClosed", err)
	}
}

func TestFileStoreSetCredentialsPreservesAdmin(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	store, err := OpenFileStore(FileStoreConfig{
		Dir:                t.TempDir(),
		Initialize:         true,
		RegistrationWindow: time.Hour,
		Clock:              clk,
	})
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	if err := store.AddEntry("root", []byte("old"), true); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := store.SetCredentials("root", []byte("new")); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	if admin, _ := store.IsAdmin("root"); !admin {
		t.Fatal("admin flag lost on SetCredentials")
	}
	creds, _ := store.Credentials("root")
	if string(creds) != "new" {
		t.Fatalf("credentials = %q, want %q", creds, "new")
	}
}
