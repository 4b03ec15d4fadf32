package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/store"
)

func TestUploadSubmitPromoteLifecycle(t *testing.T) {
	ctx := context.Background()
	r, adapters, runtimeDir, _ := testRegistry(t)

	// A bundled public adapter already serves the platform.
	require.NoError(t, r.SeedBundled(ctx, map[string][]byte{
		"stripe": descriptorJSON("stripe", "1.0.0"),
	}))
	incumbent, err := adapters.GetPublic(ctx, "stripe")
	require.NoError(t, err)

	rec, err := r.UploadSandbox(ctx, "alice", descriptorJSON("stripe", "1.5.0"))
	require.NoError(t, err)
	assert.Equal(t, store.AdapterSandbox, rec.Status)
	assert.FileExists(t, filepath.Join(runtimeDir, "sandbox", "alice", "stripe.json"))

	// Alice's calls now hit her sandbox copy; everyone else stays public.
	e, err := r.Resolve("stripe", "alice")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", e.Descriptor.Version)
	e, err = r.Resolve("stripe", "bob")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", e.Descriptor.Version)

	rec, err = r.Submit(ctx, rec.ID, "alice", "please review")
	require.NoError(t, err)
	assert.Equal(t, store.AdapterReview, rec.Status)
	assert.Equal(t, "please review", rec.ReviewMessage)

	promoted, err := r.Promote(ctx, rec.ID, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, store.AdapterPublic, promoted.Status)
	assert.Equal(t, "admin@example.com", promoted.PromotedBy)
	assert.Equal(t, filepath.Join(runtimeDir, "stripe.json"), promoted.FilePath)

	// The displaced incumbent is rejected and its file archived.
	displaced, err := adapters.GetByID(ctx, incumbent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AdapterRejected, displaced.Status)
	assert.FileExists(t, displaced.FilePath)
	assert.Contains(t, displaced.FilePath, filepath.Join("archive", "rejected"))

	// Everyone resolves to the new public adapter now.
	e, err = r.Resolve("stripe", "bob")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", e.Descriptor.Version)
}

func TestWithdrawAndReject(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := testRegistry(t)

	rec, err := r.UploadSandbox(ctx, "alice", descriptorJSON("github", "1.0.0"))
	require.NoError(t, err)

	_, err = r.Submit(ctx, rec.ID, "bob", "")
	assert.ErrorIs(t, err, ErrForbidden)

	rec, err = r.Submit(ctx, rec.ID, "alice", "")
	require.NoError(t, err)

	rec, err = r.Withdraw(ctx, rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.AdapterSandbox, rec.Status)

	_, err = r.Withdraw(ctx, rec.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rec, err = r.Submit(ctx, rec.ID, "alice", "round 2")
	require.NoError(t, err)

	rec, err = r.Reject(ctx, rec.ID, "manifest domains too broad", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, store.AdapterSandbox, rec.Status)
	assert.Equal(t, "manifest domains too broad", rec.ReviewFeedback)
}

func TestDemote(t *testing.T) {
	ctx := context.Background()
	r, _, runtimeDir, _ := testRegistry(t)

	rec, err := r.UploadSandbox(ctx, "alice", descriptorJSON("square", "1.0.0"))
	require.NoError(t, err)
	promoted, err := r.Promote(ctx, rec.ID, "admin@example.com")
	require.NoError(t, err)

	demoted, err := r.Demote(ctx, promoted.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AdapterSandbox, demoted.Status)
	assert.Equal(t, filepath.Join(runtimeDir, "sandbox", "alice", "square.json"), demoted.FilePath)

	_, err = r.Resolve("square", "bob")
	assert.ErrorIs(t, err, ErrEntryNotFound, "public registration dropped on demote")
	_, err = r.Resolve("square", "alice")
	require.NoError(t, err)
}

func TestArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	r, adapters, _, _ := testRegistry(t)

	rec, err := r.UploadSandbox(ctx, "alice", descriptorJSON("toastish", "1.0.0"))
	require.NoError(t, err)
	filePath := rec.FilePath

	archived, err := r.Archive(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AdapterArchived, archived.Status)
	assert.NoFileExists(t, filePath)
	_, err = r.Resolve("toastish", "alice")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	restored, err := r.Restore(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AdapterSandbox, restored.Status)
	assert.FileExists(t, restored.FilePath)
	_, err = r.Resolve("toastish", "alice")
	require.NoError(t, err)

	// Wipe the stored source: restoring again after archive has nothing
	// to rebuild from.
	_, err = adapters.Upsert(ctx, &store.AdapterRecord{
		ID:       restored.ID,
		Platform: restored.Platform,
		OwnerID:  restored.OwnerID,
		Status:   store.AdapterArchived,
		FilePath: restored.FilePath,
	})
	require.NoError(t, err)
	_, err = r.Restore(ctx, restored.ID)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestDeleteSandbox(t *testing.T) {
	ctx := context.Background()
	r, adapters, _, _ := testRegistry(t)

	rec, err := r.UploadSandbox(ctx, "alice", descriptorJSON("github", "1.0.0"))
	require.NoError(t, err)

	err = r.DeleteSandbox(ctx, rec.ID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, r.DeleteSandbox(ctx, rec.ID, "alice"))
	assert.NoFileExists(t, rec.FilePath)
	_, err = adapters.GetByID(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrAdapterNotFound)

	promoted, err := r.UploadSandbox(ctx, "alice", descriptorJSON("github", "1.0.0"))
	require.NoError(t, err)
	pub, err := r.Promote(ctx, promoted.ID, "admin@example.com")
	require.NoError(t, err)
	err = r.DeleteSandbox(ctx, pub.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition, "public rows are not hard-deletable")
}

func TestUploadSandbox_RejectsInvalidDescriptor(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := testRegistry(t)

	_, err := r.UploadSandbox(ctx, "alice", []byte(`{"platform": "x"}`))
	require.Error(t, err)
}
