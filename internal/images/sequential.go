package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// stopAfterConsecutive is the number of consecutive failed or placeholder
// indices treated as "no more images available".
const stopAfterConsecutive = 3

// imageURL builds the authenticated image endpoint for one photo index.
func imageURL(baseURL, externalID string, index int) string {
	return fmt.Sprintf("%s/image?_auction_id=%s&_album_type=informex&_photo_index=%d&_width=1024&_height=768",
		baseURL, externalID, index)
}

// Downloader fetches one auction's images at a time through an authenticated
// client. Used for single-auction refreshes; batches go through the Pool.
type Downloader struct {
	client   *http.Client
	baseURL  string
	mediaDir string
	log      *logrus.Logger
}

// NewDownloader builds a sequential downloader writing under mediaDir.
func NewDownloader(client *http.Client, baseURL, mediaDir string, log *logrus.Logger) *Downloader {
	return &Downloader{client: client, baseURL: baseURL, mediaDir: mediaDir, log: log}
}

// DownloadAll fetches photo indices 0..maxImages-1 for one auction, stopping
// early after stopAfterConsecutive failed or placeholder indices. Returns
// the stored paths in index order.
func (d *Downloader) DownloadAll(ctx context.Context, externalID string, maxImages int) ([]string, error) {
	dir := filepath.Join(d.mediaDir, externalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", dir, err)
	}

	var paths []string
	consecutive := 0
	for index := 0; index < maxImages; index++ {
		path, err := fetchAndStore(ctx, d.client, d.baseURL, dir, externalID, index)
		if err != nil {
			d.log.WithFields(logrus.Fields{
				"auctionID": externalID,
				"index":     index,
			}).WithError(err).Debug("image index yielded nothing")
			consecutive++
			if consecutive >= stopAfterConsecutive {
				break
			}
			continue
		}
		consecutive = 0
		paths = append(paths, path)
	}

	d.log.WithFields(logrus.Fields{
		"auctionID": externalID,
		"images":    len(paths),
	}).Info("image download complete")
	return paths, nil
}

// HasLocalImages reports whether any image is already stored for the
// auction, letting callers skip a re-download.
func (d *Downloader) HasLocalImages(externalID string) bool {
	paths, err := d.LocalImagePaths(externalID)
	return err == nil && len(paths) > 0
}

// LocalImagePaths returns the stored image paths for an auction in photo
// index order.
func (d *Downloader) LocalImagePaths(externalID string) ([]string, error) {
	dir := filepath.Join(d.mediaDir, externalID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read media dir %s: %w", dir, err)
	}

	type indexed struct {
		index int
		path  string
	}
	var files []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		index, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		files = append(files, indexed{index: index, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.path)
	}
	return paths, nil
}

// fetchAndStore performs one authenticated image fetch and persists the
// payload when it classifies as a valid image. An HTML content type, a
// non-2xx status, a placeholder, or an unrecognized payload all yield an
// error so callers can count the index as empty.
func fetchAndStore(ctx context.Context, client *http.Client, baseURL, dir, externalID string, index int) (string, error) {
	url := imageURL(baseURL, externalID, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image %d: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image %d: HTTP %d", index, resp.StatusCode)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return "", fmt.Errorf("image %d: got HTML instead of image data", index)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("image %d: read body: %w", index, err)
	}

	switch kind := Classify(buf); kind {
	case KindValid:
	case KindPlaceholder:
		return "", fmt.Errorf("image %d: placeholder sentinel (%d bytes)", index, len(buf))
	default:
		return "", fmt.Errorf("image %d: unrecognized payload (%d bytes)", index, len(buf))
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.%s", index, Extension(buf)))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("store image %d: %w", index, err)
	}
	return path, nil
}
