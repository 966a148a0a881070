package listeners

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drblury/envflow/internal/bus"
	"github.com/drblury/envflow/internal/schema"
)

// maxFileBytes bounds how much of a file the listener will read.
const maxFileBytes = 512 << 10

var filesSchema = []byte(`{
	"type": "object",
	"properties": {
		"op": {"type": "string", "enum": ["list", "read"]},
		"path": {"type": "string"}
	},
	"required": ["op"],
	"additionalProperties": false
}`)

type filesRequest struct {
	Op   string `json:"op"`
	Path string `json:"path,omitempty"`
}

type fileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir,omitempty"`
}

type filesResult struct {
	Path    string     `json:"path"`
	Entries []fileInfo `json:"entries,omitempty"`
	Content string     `json:"content,omitempty"`
}

// Files returns a listener that lists and reads files under a fixed root
// directory. Paths are resolved inside the root; anything that escapes it is
// rejected before touching the filesystem.
func Files(root string) (bus.Registration, error) {
	if root == "" {
		return bus.Registration{}, fmt.Errorf("files listener: root directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return bus.Registration{}, fmt.Errorf("files listener: resolving root: %w", err)
	}

	decode, err := schema.PrototypeDecoder[*filesRequest]()
	if err != nil {
		return bus.Registration{}, err
	}

	return bus.Registration{
		Identity:    "files",
		Description: "lists and reads files under " + absRoot,
		Broadcast:   true,
		Kinds: []bus.KindBinding{{
			Kind:   "files",
			Schema: filesSchema,
			Decode: decode,
		}},
		Handler: func(_ context.Context, payload any, meta bus.Metadata) ([]bus.Response, error) {
			req := payload.(*filesRequest)

			target, err := resolveUnder(absRoot, req.Path)
			if err != nil {
				return nil, err
			}

			var result filesResult
			result.Path = strings.TrimPrefix(strings.TrimPrefix(target, absRoot), string(filepath.Separator))
			if result.Path == "" {
				result.Path = "."
			}

			switch req.Op {
			case "list":
				entries, err := os.ReadDir(target)
				if err != nil {
					return nil, fmt.Errorf("listing %s: %w", result.Path, err)
				}
				for _, e := range entries {
					info, err := e.Info()
					if err != nil {
						continue
					}
					result.Entries = append(result.Entries, fileInfo{
						Name:  e.Name(),
						Size:  info.Size(),
						IsDir: e.IsDir(),
					})
				}
				sort.Slice(result.Entries, func(i, j int) bool {
					return result.Entries[i].Name < result.Entries[j].Name
				})

			case "read":
				info, err := os.Stat(target)
				if err != nil {
					return nil, fmt.Errorf("reading %s: %w", result.Path, err)
				}
				if info.IsDir() {
					return nil, fmt.Errorf("reading %s: is a directory", result.Path)
				}
				if info.Size() > maxFileBytes {
					return nil, fmt.Errorf("reading %s: file exceeds %d bytes", result.Path, maxFileBytes)
				}
				content, err := os.ReadFile(target)
				if err != nil {
					return nil, fmt.Errorf("reading %s: %w", result.Path, err)
				}
				result.Content = string(content)

			default:
				return nil, fmt.Errorf("unsupported op %q", req.Op)
			}

			return []bus.Response{{
				Kind:  "files.result",
				Value: result,
				To:    meta.FromID,
			}}, nil
		},
	}, nil
}

// resolveUnder joins a relative request path onto the root and verifies the
// result stays inside it.
func resolveUnder(root, reqPath string) (string, error) {
	if filepath.IsAbs(reqPath) {
		return "", fmt.Errorf("path %q must be relative", reqPath)
	}
	target := filepath.Clean(filepath.Join(root, reqPath))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the root", reqPath)
	}
	return target, nil
}
