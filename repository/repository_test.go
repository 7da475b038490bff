package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/logging"
	"github.com/camden-git/datasetcurator/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "repo.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func newImage(i int) *models.ImageAsset {
	return &models.ImageAsset{
		Fingerprint:  fmt.Sprintf("%016x", 0xabc000+i),
		OriginalPath: fmt.Sprintf("/src/img_%03d.png", i),
		Width:        640,
		Height:       480,
		ColorFormat:  "RGB",
		Extension:    ".png",
	}
}

func seedImages(t *testing.T, repo *ImageRepository, n int) []*models.ImageAsset {
	t.Helper()
	out := make([]*models.ImageAsset, 0, n)
	for i := 0; i < n; i++ {
		img := newImage(i)
		require.NoError(t, repo.Create(context.Background(), img))
		out = append(out, img)
	}
	return out
}

func TestImageCreateDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	repo := NewImageRepository(newTestDB(t), 0)

	first := newImage(1)
	require.NoError(t, repo.Create(ctx, first))
	assert.NotZero(t, first.ID)
	assert.NotZero(t, first.CreatedAt)

	dup := newImage(1)
	dup.OriginalPath = "/elsewhere/copy.png"
	err := repo.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, IsUniqueViolation(err))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByFingerprint(ctx, first.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = repo.GetByFingerprint(ctx, "ffffffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageCreateRejectsInvalid(t *testing.T) {
	repo := NewImageRepository(newTestDB(t), 0)

	img := newImage(1)
	img.Width = 0
	assert.ErrorIs(t, repo.Create(context.Background(), img), ErrInvalidInput)

	img = newImage(2)
	img.Fingerprint = ""
	assert.ErrorIs(t, repo.Create(context.Background(), img), ErrInvalidInput)
}

func TestFindFingerprintsBatchIndependentOfChunkSize(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	images := seedImages(t, NewImageRepository(db, 0), 7)

	query := []string{"0000000000000000"}
	for _, img := range images {
		query = append(query, img.Fingerprint)
	}
	query = append(query, images[2].Fingerprint)

	var baseline map[string]uint
	for _, size := range []int{1, 2, 3, 1000} {
		got, err := NewImageRepository(db, size).FindFingerprintsBatch(ctx, query)
		require.NoError(t, err)
		assert.Len(t, got, len(images))
		if baseline == nil {
			baseline = got
			continue
		}
		assert.Equal(t, baseline, got, "chunk size %d", size)
	}
}

func TestGetMetadataBatchKeepsInputOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	images := seedImages(t, NewImageRepository(db, 0), 5)

	ids := []uint{images[4].ID, 9999, images[0].ID, images[2].ID, images[0].ID}
	for _, size := range []int{1, 2, 1000} {
		got, err := NewImageRepository(db, size).GetMetadataBatch(ctx, ids)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, images[4].ID, got[0].ID)
		assert.Equal(t, images[0].ID, got[1].ID)
		assert.Equal(t, images[2].ID, got[2].ID)
		assert.Equal(t, images[2].OriginalPath, got[2].OriginalPath)
	}
}

func TestListIDsPages(t *testing.T) {
	ctx := context.Background()
	repo := NewImageRepository(newTestDB(t), 0)
	images := seedImages(t, repo, 5)

	first, err := repo.ListIDs(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	rest, err := repo.ListIDs(ctx, first[len(first)-1], 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Equal(t, images[4].ID, rest[1])
}

func TestSetManualRating(t *testing.T) {
	ctx := context.Background()
	repo := NewImageRepository(newTestDB(t), 0)
	img := seedImages(t, repo, 1)[0]

	rating := "general"
	require.NoError(t, repo.SetManualRating(ctx, img.ID, &rating))
	got, err := repo.GetByID(ctx, img.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ManualRating)
	assert.Equal(t, "general", *got.ManualRating)

	assert.ErrorIs(t, repo.SetManualRating(ctx, 4242, &rating), ErrNotFound)
}

func TestDerivedImageUniquePerResolution(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	img := seedImages(t, NewImageRepository(db, 0), 1)[0]
	repo := NewDerivedImageRepository(db)

	d := &models.DerivedImage{ImageID: img.ID, Resolution: models.Resolution512.Tag(), StoredPath: "derived/a.png", Width: 512, Height: 384, ColorFormat: "RGB"}
	require.NoError(t, repo.Create(ctx, d))

	again := &models.DerivedImage{ImageID: img.ID, Resolution: models.Resolution512.Tag(), StoredPath: "derived/b.png", Width: 512, Height: 384, ColorFormat: "RGB"}
	assert.ErrorIs(t, repo.Create(ctx, again), ErrDuplicate)

	got, err := repo.Get(ctx, img.ID, models.Resolution512)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.False(t, got.WasUpscaled())

	_, err = repo.Get(ctx, img.ID, models.Resolution1024)
	assert.ErrorIs(t, err, ErrNotFound)

	byPath, err := repo.GetByStoredPath(ctx, "derived/a.png")
	require.NoError(t, err)
	assert.Equal(t, d.ID, byPath.ID)

	require.NoError(t, repo.Delete(ctx, d.ID))
	list, err := repo.ListByImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestModelGetOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	// separate repositories do not share singleflight, so the insert race is real
	var wg sync.WaitGroup
	ids := make([]uint, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = NewModelRepository(db, 0).GetOrCreate(ctx, "wd14-vit", models.ModelKindTagger, "local")
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, db.Model(&models.AnnotationModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, err := NewModelRepository(db, 0).GetOrCreate(ctx, "  ", models.ModelKindTagger, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetModelsByNameBatchIndependentOfChunkSize(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed := NewModelRepository(db, 0)
	names := []string{"a", "b", "c", "d", "e"}
	for _, name := range names {
		_, err := seed.GetOrCreate(ctx, name, models.ModelKindTagger, "")
		require.NoError(t, err)
	}

	query := append([]string{"missing"}, names...)
	query = append(query, "c")

	var baseline map[string]uint
	for _, size := range []int{1, 2, 3, 1000} {
		got, err := NewModelRepository(db, size).GetModelsByNameBatch(ctx, query)
		require.NoError(t, err)
		assert.Len(t, got, len(names))
		if baseline == nil {
			baseline = got
			continue
		}
		assert.Equal(t, baseline, got, "chunk size %d", size)
	}
}

func TestUpsertTagsRespectsManualEdits(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	img := seedImages(t, NewImageRepository(db, 0), 1)[0]
	modelID, err := NewModelRepository(db, 0).GetOrCreate(ctx, "tagger", models.ModelKindTagger, "")
	require.NoError(t, err)
	repo := NewAnnotationRepository(db, 0)

	low, high := 0.4, 0.9
	res, err := repo.UpsertTags(ctx, img.ID, modelID, []TagValue{
		{Tag: "blue_sky", Confidence: &low},
		{Tag: "cloud", Confidence: &low},
		{Tag: "blue sky"},
		{Tag: "  "},
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 2}, res)

	tags, err := repo.ListTags(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "blue sky", tags[0].Tag)

	require.NoError(t, repo.EditTag(ctx, tags[1].ID, "cumulus_cloud"))

	res, err = repo.UpsertTags(ctx, img.ID, modelID, []TagValue{
		{Tag: "blue sky", Confidence: &high},
		{Tag: "cumulus cloud", Confidence: &high},
		{Tag: "sun", Confidence: &high},
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1, Updated: 1, Skipped: 1}, res)

	tags, err = repo.ListTags(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.InDelta(t, high, *tags[0].Confidence, 1e-9)
	assert.True(t, tags[1].IsEditedManually)
	assert.InDelta(t, low, *tags[1].Confidence, 1e-9, "edited tag must keep its values")
}

func TestUpsertTagsRerunSupersedesInPlace(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	img := seedImages(t, NewImageRepository(db, 0), 1)[0]
	modelRepo := NewModelRepository(db, 0)
	tagger, err := modelRepo.GetOrCreate(ctx, "tagger", models.ModelKindTagger, "")
	require.NoError(t, err)
	other, err := modelRepo.GetOrCreate(ctx, "other-tagger", models.ModelKindTagger, "")
	require.NoError(t, err)

	repo := NewAnnotationRepository(db, 0)
	repo.now = func() time.Time { return time.Unix(1000, 0) }

	first, second := 0.3, 0.8
	_, err = repo.UpsertTags(ctx, img.ID, tagger, []TagValue{{Tag: "smile", Confidence: &first}})
	require.NoError(t, err)
	_, err = repo.UpsertTags(ctx, img.ID, other, []TagValue{{Tag: "smile", Confidence: &first}})
	require.NoError(t, err)
	before, err := repo.ListTags(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	repo.now = func() time.Time { return time.Unix(2000, 0) }
	res, err := repo.UpsertTags(ctx, img.ID, tagger, []TagValue{{Tag: "smile", Confidence: &second}})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)

	after, err := repo.ListTags(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, after, 2, "a re-run must not add a second row for the same model and tag")

	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, int64(1000), after[0].CreatedAt)
	assert.Equal(t, int64(2000), after[0].UpdatedAt)
	assert.InDelta(t, second, *after[0].Confidence, 1e-9)

	// the other model's row is untouched
	assert.Equal(t, other, after[1].ModelID)
	assert.Equal(t, int64(1000), after[1].UpdatedAt)
	assert.InDelta(t, first, *after[1].Confidence, 1e-9)
}

func TestModelNameLookupsTrimConsistently(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	id, err := NewModelRepository(db, 0).GetOrCreate(ctx, " wd14 ", models.ModelKindTagger, "")
	require.NoError(t, err)

	// a fresh repository has an empty cache, so the lookup goes to the database
	got, err := NewModelRepository(db, 0).GetModelsByNameBatch(ctx, []string{" wd14 ", "wd14", "  "})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint{" wd14 ": id, "wd14": id}, got)

	cached := NewModelRepository(db, 0)
	_, err = cached.GetOrCreate(ctx, "wd14", models.ModelKindTagger, "")
	require.NoError(t, err)
	got, err = cached.GetModelsByNameBatch(ctx, []string{"\twd14"})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint{"\twd14": id}, got)
}

func TestEditTagConflicts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	img := seedImages(t, NewImageRepository(db, 0), 1)[0]
	modelID, err := NewModelRepository(db, 0).GetOrCreate(ctx, "tagger", models.ModelKindTagger, "")
	require.NoError(t, err)
	repo := NewAnnotationRepository(db, 0)

	_, err = repo.UpsertTags(ctx, img.ID, modelID, []TagValue{{Tag: "a"}, {Tag: "b"}})
	require.NoError(t, err)
	tags, err := repo.ListTags(ctx, img.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, repo.EditTag(ctx, tags[0].ID, "b"), ErrDuplicate)
	assert.ErrorIs(t, repo.EditTag(ctx, 9999, "c"), ErrNotFound)
	assert.ErrorIs(t, repo.EditTag(ctx, tags[0].ID, "__"), ErrInvalidInput)
}

func TestCaptionsScoresRatingsAndPurge(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	img := seedImages(t, NewImageRepository(db, 0), 1)[0]
	modelID, err := NewModelRepository(db, 0).GetOrCreate(ctx, "vlm", models.ModelKindMultimodal, "")
	require.NoError(t, err)
	repo := NewAnnotationRepository(db, 0)

	res, err := repo.UpsertCaptions(ctx, img.ID, modelID, []CaptionValue{{Caption: "a dog on grass"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = repo.UpsertCaptions(ctx, img.ID, modelID, []CaptionValue{{Caption: "a dog on grass"}, {Caption: "a brown dog"}})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1, Updated: 1}, res)

	captions, err := repo.ListCaptions(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, captions, 2)
	require.NoError(t, repo.EditCaption(ctx, captions[0].ID, "a happy dog on grass"))

	for i := 0; i < 2; i++ {
		_, err = repo.AppendScores(ctx, img.ID, modelID, []ScoreValue{{Score: 6.5}})
		require.NoError(t, err)
	}
	scores, err := repo.ListScores(ctx, img.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 2, "re-running a scorer appends")
	require.NoError(t, repo.EditScore(ctx, scores[0].ID, 9))

	_, err = repo.AppendRatings(ctx, img.ID, modelID, []RatingValue{{Rating: "general"}, {Rating: ""}})
	require.NoError(t, err)
	ratings, err := repo.ListRatings(ctx, img.ID)
	require.NoError(t, err)
	assert.Len(t, ratings, 1)

	removed, err := repo.PurgeAnnotations(ctx, img.ID, modelID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	captions, err = repo.ListCaptions(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, captions, 1)
	assert.Equal(t, "a happy dog on grass", captions[0].Caption)

	scores, err = repo.ListScores(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 9.0, scores[0].Score, 1e-9)
}

func TestGetAnnotatedIDsBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	images := seedImages(t, NewImageRepository(db, 0), 4)
	modelID, err := NewModelRepository(db, 0).GetOrCreate(ctx, "m", models.ModelKindTagger, "")
	require.NoError(t, err)
	repo := NewAnnotationRepository(db, 0)

	_, err = repo.UpsertTags(ctx, images[0].ID, modelID, []TagValue{{Tag: "x"}})
	require.NoError(t, err)
	_, err = repo.UpsertCaptions(ctx, images[2].ID, modelID, []CaptionValue{{Caption: "y"}})
	require.NoError(t, err)
	_, err = repo.AppendScores(ctx, images[3].ID, modelID, []ScoreValue{{Score: 1}})
	require.NoError(t, err)

	ids := []uint{images[0].ID, images[1].ID, images[2].ID, images[3].ID}
	for _, size := range []int{1, 3, 1000} {
		repo.BatchSize = size
		got, err := repo.GetAnnotatedIDsBatch(ctx, ids)
		require.NoError(t, err)
		assert.Equal(t, map[uint]struct{}{images[0].ID: {}, images[2].ID: {}}, got, "chunk size %d", size)
	}
}

func TestUpsertRejectsMissingOwner(t *testing.T) {
	repo := NewAnnotationRepository(newTestDB(t), 0)
	_, err := repo.UpsertTags(context.Background(), 0, 1, []TagValue{{Tag: "x"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
