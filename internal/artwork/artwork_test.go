package artwork

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"mediakeep/internal/blobcache"
	"mediakeep/internal/database"
	"mediakeep/internal/provider/tmdb"
)

func testImagePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a decodable JPEG: %v", err)
	}
	return img
}

func TestResizeShrinksToWidth(t *testing.T) {
	src := testImagePNG(t, 400, 600)

	out, err := resizeWithImaging(src, 200)
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	img := decodeJPEG(t, out)
	if img.Bounds().Dx() != 200 {
		t.Errorf("width = %d, want 200", img.Bounds().Dx())
	}
	if img.Bounds().Dy() != 300 {
		t.Errorf("height = %d, want 300 (aspect preserved)", img.Bounds().Dy())
	}
}

func TestResizeNeverUpscales(t *testing.T) {
	src := testImagePNG(t, 100, 150)

	out, err := resizeWithImaging(src, 500)
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	img := decodeJPEG(t, out)
	if img.Bounds().Dx() != 100 {
		t.Errorf("width = %d, small images should pass through at native size", img.Bounds().Dx())
	}
}

func TestResizeRejectsGarbage(t *testing.T) {
	if _, err := resizeWithImaging([]byte("not an image"), 200); err == nil {
		t.Error("expected decode error for non-image input")
	}
}

func TestFetchForMedia(t *testing.T) {
	ctx := context.Background()

	poster := testImagePNG(t, 780, 1170)
	backdrop := testImagePNG(t, 1600, 900)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/w780/poster.png":
			w.Write(poster)
		case "/w1280/backdrop.png":
			w.Write(backdrop)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	db, err := database.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	lib := &database.Library{Name: "Movies", Path: t.TempDir(), Kind: database.LibraryMovies}
	if err := db.CreateLibrary(ctx, lib); err != nil {
		t.Fatal(err)
	}
	uow := db.NewUnitOfWork()
	tx, err := uow.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	item := &database.MediaItem{
		LibraryID: lib.ID,
		Path:      "Heat (1995)/Heat.1995.mkv",
		Title:     "Heat",
		Kind:      "movie",
		Year:      1995,
		Size:      1024,
		ModTime:   time.Now(),
	}
	if err := tx.UpsertMedia(item); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	cache, err := blobcache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	client := tmdb.New(tmdb.Config{APIKey: "k", BaseURL: srv.URL}, nil)

	svc := NewService(client, cache, db)
	// The test server is the image host; skip configuration discovery.
	svc.baseOnce.Do(func() { svc.baseURL = srv.URL + "/" })

	if err := svc.FetchForMedia(ctx, item.ID, "/poster.png", "/backdrop.png"); err != nil {
		t.Fatalf("FetchForMedia: %v", err)
	}

	got, err := db.GetMediaByID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PosterKey == "" || got.BackdropKey == "" {
		t.Fatalf("artwork keys not recorded: poster=%q backdrop=%q", got.PosterKey, got.BackdropKey)
	}

	data, err := svc.Get(got.PosterKey)
	if err != nil {
		t.Fatalf("stored poster unreadable: %v", err)
	}
	img := decodeJPEG(t, data)
	if img.Bounds().Dx() != 500 {
		t.Errorf("stored poster width = %d, want 500", img.Bounds().Dx())
	}

	data, err = svc.Get(got.BackdropKey)
	if err != nil {
		t.Fatalf("stored backdrop unreadable: %v", err)
	}
	img = decodeJPEG(t, data)
	if img.Bounds().Dx() != 1280 {
		t.Errorf("stored backdrop width = %d, want 1280", img.Bounds().Dx())
	}
}

func TestFetchForMediaMissingPoster(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	db, err := database.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cache, err := blobcache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	client := tmdb.New(tmdb.Config{APIKey: "k", BaseURL: srv.URL}, nil)
	svc := NewService(client, cache, db)
	svc.baseOnce.Do(func() { svc.baseURL = srv.URL + "/" })

	// Both paths empty: nothing to do, nothing written, no error.
	if err := svc.FetchForMedia(ctx, 1, "", ""); err != nil {
		t.Fatalf("empty paths should be a no-op: %v", err)
	}

	// A 404 from the image host surfaces as an error so the item retries.
	if err := svc.FetchForMedia(ctx, 1, "/gone.png", ""); err == nil {
		t.Error("expected error for missing upstream image")
	}
}
