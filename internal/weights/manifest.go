package weights

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Weight describes one file the engine needs under its models root.
type Weight struct {
	// Filename is the final name under Folder.
	Filename string
	// Folder is the destination relative to the engine models root.
	Folder string
	// RepoID plus RemoteFile locate the weight on Hugging Face.
	RepoID     string
	RemoteFile string
	// CivitaiModel holds the CivitAI version id and query for checkpoints
	// that are not hosted on Hugging Face.
	CivitaiModel string
	CivitaiQuery string
	// Archive marks a zip whose nested top-level directory is unpacked
	// into Folder/Filename.
	Archive    bool
	ArchiveURL string
}

// Manifest lists every weight the pipelines load.
func Manifest() []Weight {
	return []Weight{
		{Filename: FluxCheckpoint, Folder: "checkpoints", RepoID: "Comfy-Org/flux1-dev", RemoteFile: "flux1-dev-fp8.safetensors"},
		{Filename: FluxControlNetUnion, Folder: "controlnet", RepoID: "Shakker-Labs/FLUX.1-dev-ControlNet-Union-Pro", RemoteFile: "diffusion_pytorch_model.safetensors"},
		{Filename: ClearRealityUpscale, Folder: "upscale_models", RepoID: "skbhadra/ClearRealityV1", RemoteFile: "4x-ClearRealityV1.pth"},
		{Filename: PulidFlux, Folder: "pulid", RepoID: "guozinan/PuLID", RemoteFile: "pulid_flux_v0.9.1.safetensors"},
		{Filename: ICLightUnet, Folder: "unet", RepoID: "lllyasviel/ic-light", RemoteFile: "iclight_sd15_fbc.safetensors"},
		{Filename: "face_yolov8m.pt", Folder: "ultralytics/bbox", RepoID: "Bingsu/adetailer", RemoteFile: "face_yolov8m.pt"},
		{Filename: JuggernautXL, Folder: "checkpoints", CivitaiModel: "1759168", CivitaiQuery: "type=Model&format=SafeTensor&size=full&fp=fp16"},
		{Filename: PhotonCheckpoint, Folder: "checkpoints", CivitaiModel: "90072", CivitaiQuery: "type=Model&format=SafeTensor&size=pruned&fp=fp16"},
		{Filename: "antelopev2", Folder: "insightface/models", Archive: true,
			ArchiveURL: "https://huggingface.co/MonsterMMORPG/tools/resolve/main/antelopev2.zip"},
	}
}

// Downloader fetches missing weights into the engine models root.
type Downloader struct {
	ModelsDir   string
	HFToken     string
	CivitaiKey  string
	HFBase      string
	CivitaiBase string
	Concurrency int

	httpClient *http.Client
}

// NewDownloader builds a downloader for the given engine models root.
func NewDownloader(modelsDir string) *Downloader {
	return &Downloader{
		ModelsDir:   modelsDir,
		HFToken:     os.Getenv("HF_TOKEN"),
		CivitaiKey:  os.Getenv("CIVITAI_API_KEY"),
		HFBase:      "https://huggingface.co",
		CivitaiBase: "https://civitai.com",
		Concurrency: 3,
		httpClient:  &http.Client{Timeout: 2 * time.Hour},
	}
}

// Ensure downloads every manifest entry that is missing. Present files are
// left alone, so repeated runs are cheap.
func (d *Downloader) Ensure(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if d.Concurrency > 0 {
		g.SetLimit(d.Concurrency)
	}
	for _, w := range Manifest() {
		w := w
		g.Go(func() error {
			return d.ensureOne(ctx, w)
		})
	}
	return g.Wait()
}

func (d *Downloader) ensureOne(ctx context.Context, w Weight) error {
	target := filepath.Join(d.ModelsDir, w.Folder, w.Filename)

	if w.Archive {
		if entries, err := os.ReadDir(target); err == nil && len(entries) > 0 {
			log.Printf("[Weights] already present: %s", w.Filename)
			return nil
		}
		return d.fetchArchive(ctx, w, target)
	}

	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		log.Printf("[Weights] already present: %s", w.Filename)
		return nil
	}

	srcURL, header, err := d.sourceURL(w)
	if err != nil {
		return err
	}

	log.Printf("[Weights] downloading %s", w.Filename)
	if err := d.fetchFile(ctx, srcURL, header, target); err != nil {
		return fmt.Errorf("failed to download %s: %w", w.Filename, err)
	}
	log.Printf("[Weights] downloaded %s", w.Filename)
	return nil
}

func (d *Downloader) sourceURL(w Weight) (string, http.Header, error) {
	header := http.Header{}
	switch {
	case w.RepoID != "":
		u := fmt.Sprintf("%s/%s/resolve/main/%s", d.HFBase, w.RepoID, w.RemoteFile)
		if d.HFToken != "" {
			header.Set("Authorization", "Bearer "+d.HFToken)
		}
		return u, header, nil
	case w.CivitaiModel != "":
		if d.CivitaiKey == "" {
			return "", nil, fmt.Errorf("CIVITAI_API_KEY is required for %s", w.Filename)
		}
		q := w.CivitaiQuery + "&token=" + url.QueryEscape(d.CivitaiKey)
		return fmt.Sprintf("%s/api/download/models/%s?%s", d.CivitaiBase, w.CivitaiModel, q), header, nil
	default:
		return "", nil, fmt.Errorf("weight %s has no source", w.Filename)
	}
}

func (d *Downloader) fetchFile(ctx context.Context, srcURL string, header http.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", srcURL, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	tmp := target + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if n == 0 {
		os.Remove(tmp)
		return fmt.Errorf("source returned an empty file")
	}
	return os.Rename(tmp, target)
}

// fetchArchive downloads a zip and unpacks its nested top-level directory
// into the target directory.
func (d *Downloader) fetchArchive(ctx context.Context, w Weight, target string) error {
	dir := filepath.Dir(target)
	zipPath := filepath.Join(dir, w.Filename+".zip")

	header := http.Header{}
	if d.HFToken != "" {
		header.Set("Authorization", "Bearer "+d.HFToken)
	}
	srcURL := w.ArchiveURL
	if d.HFBase != "https://huggingface.co" {
		// Test servers replace the default host.
		if u, err := url.Parse(srcURL); err == nil {
			srcURL = d.HFBase + u.Path
		}
	}

	log.Printf("[Weights] downloading %s archive", w.Filename)
	if err := d.fetchFile(ctx, srcURL, header, zipPath); err != nil {
		return fmt.Errorf("failed to download %s: %w", w.Filename, err)
	}
	defer os.Remove(zipPath)

	if err := unzipNested(zipPath, w.Filename, target); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", w.Filename, err)
	}
	log.Printf("[Weights] unpacked %s", w.Filename)
	return nil
}

// unzipNested extracts the entries under the archive's nested dir into
// target, flattening that one level.
func unzipNested(zipPath, nested, target string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	prefix := nested + "/"
	for _, f := range r.File {
		name := f.Name
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" || strings.Contains(name, "..") {
			continue
		}
		dest := filepath.Join(target, filepath.FromSlash(name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
