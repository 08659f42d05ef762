package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"brokerbridge/internal/ingest"
)

// FileAdapter implements the adapter contract for CSV exports. There is no
// network call anywhere: "authenticate" validates the upload and "sync"
// reprocesses the stored content (or a re-uploaded replacement).
type FileAdapter struct {
	kind string
	log  *logrus.Logger
}

func NewFileAdapter(kind string, log *logrus.Logger) *FileAdapter {
	return &FileAdapter{kind: kind, log: log}
}

func (a *FileAdapter) Kind() string { return a.kind }

func (a *FileAdapter) Authenticate(ctx context.Context, input AuthInput) (*Handle, error) {
	content := input.FileContent
	filename := input.FileName
	mapping := input.Mapping

	// re-sync without a fresh upload falls back to the stored credentials
	if content == "" && input.Credentials != nil {
		content = input.Credentials["content"]
		if filename == "" {
			filename = input.Credentials["filename"]
		}
		if mapping == nil && input.Credentials["mapping"] != "" {
			var m ingest.ColumnMapping
			if err := json.Unmarshal([]byte(input.Credentials["mapping"]), &m); err == nil {
				mapping = &m
			}
		}
	}
	if content == "" {
		return nil, NewValidation("file content is required", nil)
	}

	res, err := ingest.ParseRows(content, mapping)
	if err != nil {
		return nil, NewValidation(fmt.Sprintf("cannot parse %s: %v", filename, err), nil)
	}
	a.log.Infof("file import %s: detected broker %s (%s), %d rows, %d row errors",
		filename, res.Detection.Broker, res.Detection.Confidence, res.TotalRows, len(res.Errors))

	secrets := map[string]string{
		"content":  content,
		"filename": filename,
	}
	if mapping != nil {
		b, err := json.Marshal(mapping)
		if err != nil {
			return nil, NewValidation("cannot serialize column mapping", nil)
		}
		secrets["mapping"] = string(b)
	}
	return &Handle{Kind: a.kind, Secrets: secrets}, nil
}

func (a *FileAdapter) ListAccounts(ctx context.Context, h *Handle) ([]AccountInfo, error) {
	res, err := a.parse(h)
	if err != nil {
		return nil, err
	}

	// exports that carry an account column (fidelity does) can hold several
	// accounts in one file; group them, otherwise the file is one account
	seen := map[string]bool{}
	var accounts []AccountInfo
	for _, pos := range res.Positions {
		key, name := accountColumn(pos.Raw)
		if key == "" {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		accounts = append(accounts, AccountInfo{
			ExternalID:   key,
			Nickname:     name,
			MaskedNumber: MaskNumber(key),
			AccountType:  "IMPORT",
		})
	}
	if len(accounts) == 0 && len(res.Positions) > 0 {
		id, filename := fallbackAccount(h)
		accounts = append(accounts, AccountInfo{
			ExternalID:  id,
			Nickname:    strings.TrimSuffix(filename, ".csv"),
			AccountType: "IMPORT",
		})
	}
	return accounts, nil
}

// fallbackAccount names the synthetic single account for files without an
// account column. ListAccounts and FetchPositions must agree on this id or
// every row would be filtered out.
func fallbackAccount(h *Handle) (id, filename string) {
	filename = h.Secrets["filename"]
	if filename == "" {
		filename = "import.csv"
	}
	return "import:" + filename, filename
}

func (a *FileAdapter) FetchPositions(ctx context.Context, h *Handle, account AccountInfo) ([]ingest.Position, error) {
	res, err := a.parse(h)
	if err != nil {
		return nil, err
	}

	fallbackID, _ := fallbackAccount(h)
	var out []ingest.Position
	for _, pos := range res.Positions {
		key, _ := accountColumn(pos.Raw)
		if key == "" {
			key = fallbackID
		}
		if key == account.ExternalID {
			out = append(out, pos)
		}
	}
	return out, nil
}

// LastParse re-runs the stored content so the orchestrator can surface row
// errors from the most recent sync.
func (a *FileAdapter) LastParse(h *Handle) (*ingest.ParseResult, error) {
	return a.parse(h)
}

func (a *FileAdapter) parse(h *Handle) (*ingest.ParseResult, error) {
	var mapping *ingest.ColumnMapping
	if raw := h.Secrets["mapping"]; raw != "" {
		var m ingest.ColumnMapping
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, NewValidation("stored column mapping is corrupt", nil)
		}
		mapping = &m
	}
	res, err := ingest.ParseRows(h.Secrets["content"], mapping)
	if err != nil {
		return nil, NewValidation(err.Error(), nil)
	}
	return res, nil
}

func accountColumn(raw map[string]string) (key, name string) {
	for h, v := range raw {
		lh := strings.ToLower(h)
		if v == "" {
			continue
		}
		if strings.Contains(lh, "account number") || lh == "account" {
			key = v
		}
		if strings.Contains(lh, "account name") {
			name = v
		}
	}
	if name == "" {
		name = key
	}
	return key, name
}

// MaskNumber keeps the last four characters of an account number.
func MaskNumber(number string) string {
	if len(number) <= 4 {
		return number
	}
	return "****" + number[len(number)-4:]
}
