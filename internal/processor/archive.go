package processor

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/ChuLiYu/scoreload/internal/validate"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

const containerPath = "META-INF/container.xml"

// container is the manifest of a compressed score archive.
type container struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

func (p *Processor) readArchive(ctx context.Context, file string) ([]byte, types.Timing, error) {
	var timing types.Timing

	t0 := time.Now()
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, timing, types.Wrap(types.CodeMalformedArchive, "unzip", err)
	}
	defer zr.Close()

	member, err := rootfile(&zr.Reader)
	if err != nil {
		return nil, timing, err
	}
	if err := ctx.Err(); err != nil {
		return nil, timing, contextError(err)
	}

	content, err := inflate(member, p.cfg.MaxInflatedBytes)
	timing.ReadTime = time.Since(t0)
	if err != nil {
		return nil, timing, err
	}
	if err := ctx.Err(); err != nil {
		return nil, timing, contextError(err)
	}

	t1 := time.Now()
	err = validate.Document(content, p.cfg.RootElements)
	timing.ParseTime = time.Since(t1)
	if err != nil {
		return nil, timing, err
	}
	return content, timing, nil
}

// rootfile locates the score document inside an archive: the first rootfile
// of the manifest, or without a manifest the first .xml/.musicxml entry
// outside META-INF/.
func rootfile(zr *zip.Reader) (*zip.File, error) {
	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	manifest, ok := entries[containerPath]
	if !ok {
		for _, f := range zr.File {
			if strings.HasPrefix(f.Name, "META-INF/") || f.FileInfo().IsDir() {
				continue
			}
			switch strings.ToLower(path.Ext(f.Name)) {
			case validate.ExtXML, validate.ExtMusicXML:
				return f, nil
			}
		}
		return nil, types.Errorf(types.CodeMissingDocument, "unzip", "no manifest and no score entry")
	}

	raw, err := inflate(manifest, 1<<20)
	if err != nil {
		return nil, err
	}
	var c container
	if err := xml.Unmarshal(raw, &c); err != nil {
		return nil, types.Wrap(types.CodeMalformedArchive, "manifest", err)
	}
	if len(c.Rootfiles) == 0 {
		return nil, types.Errorf(types.CodeMissingDocument, "manifest", "manifest lists no rootfile")
	}

	name := c.Rootfiles[0].FullPath
	if err := validate.ArchiveMember(name); err != nil {
		return nil, err
	}
	f, ok := entries[path.Clean(name)]
	if !ok {
		return nil, types.Errorf(types.CodeMissingDocument, "manifest", "rootfile %q not in archive", name)
	}
	return f, nil
}

// inflate reads f fully, failing once more than limit bytes come out
// regardless of the size the archive header declares.
func inflate(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, types.Errorf(types.CodeFileTooLarge, "unzip",
			"%s inflates to %d bytes, limit %d", f.Name, f.UncompressedSize64, limit)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, types.Wrap(types.CodeMalformedArchive, "unzip", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, types.Wrap(types.CodeMalformedArchive, "unzip", err)
		}
		return nil, types.Wrap(types.CodeIO, "unzip", err)
	}
	if int64(len(data)) > limit {
		return nil, types.Errorf(types.CodeFileTooLarge, "unzip", "%s inflates past limit %d", f.Name, limit)
	}
	return data, nil
}
