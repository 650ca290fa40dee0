package privacy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Pseudonymization methods for direct identifiers.
const (
	PseudonymHash       = "hash"
	PseudonymRandom     = "random"
	PseudonymSequential = "sequential"
	PseudonymDrop       = "drop"
)

// PseudonymizationConfig lists the direct identifiers (subject and admission
// ids, names) that must never leave the custodian in clear form.
type PseudonymizationConfig struct {
	Method            string   `json:"method"`
	HashingSalt       string   `json:"-"`
	DirectIdentifiers []string `json:"direct_identifiers"`
}

// Pseudonymizer replaces direct identifiers with stable pseudonyms. The same
// input value always maps to the same pseudonym within one Pseudonymizer, so
// rows of one patient stay linkable inside a release.
type Pseudonymizer struct {
	config   *PseudonymizationConfig
	logger   *logrus.Logger
	mappings sync.Map
	mu       sync.Mutex
	next     int
}

func NewPseudonymizer(config *PseudonymizationConfig, logger *logrus.Logger) (*Pseudonymizer, error) {
	if config == nil {
		config = getDefaultPseudonymizationConfig()
	}
	switch config.Method {
	case "":
		config.Method = PseudonymHash
	case PseudonymHash, PseudonymRandom, PseudonymSequential, PseudonymDrop:
	default:
		return nil, errors.InvalidParameter("method", config.Method, "must be hash, random, sequential or drop")
	}
	if config.Method == PseudonymHash && config.HashingSalt == "" {
		return nil, errors.InvalidParameter("hashing_salt", "", "hash pseudonyms need a secret salt")
	}

	return &Pseudonymizer{
		config: config,
		logger: loggerOrDefault(logger),
	}, nil
}

// Apply returns a copy of table with direct identifiers pseudonymized, or
// removed from the schema for the drop method. Identifier columns absent from
// the table are skipped.
func (p *Pseudonymizer) Apply(ctx context.Context, table *models.Table) (*models.Table, error) {
	if table == nil {
		return nil, errors.InvalidParameter("table", nil, "table is nil")
	}

	present := make([]string, 0, len(p.config.DirectIdentifiers))
	for _, c := range p.config.DirectIdentifiers {
		if table.HasColumn(c) {
			present = append(present, c)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"method":      p.config.Method,
		"identifiers": present,
		"rows":        table.Len(),
	}).Info("Pseudonymizing direct identifiers")

	if p.config.Method == PseudonymDrop {
		return dropColumns(table, present), nil
	}

	out := table.Clone()
	for i, rec := range out.Rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for _, c := range present {
			v := rec.Get(c)
			if v.IsNull() {
				continue
			}
			rec[c] = models.Categorical(p.pseudonym(c, v.String()))
		}
	}
	return out, nil
}

func (p *Pseudonymizer) pseudonym(column, value string) string {
	key := column + "=" + value
	if mapped, ok := p.mappings.Load(key); ok {
		return mapped.(string)
	}

	var id string
	switch p.config.Method {
	case PseudonymRandom:
		id = "anon_" + uuid.New().String()
	case PseudonymSequential:
		p.mu.Lock()
		p.next++
		id = fmt.Sprintf("anon_%06d", p.next)
		p.mu.Unlock()
	default:
		id = p.hashIdentifier(key)
	}

	actual, _ := p.mappings.LoadOrStore(key, id)
	return actual.(string)
}

func (p *Pseudonymizer) hashIdentifier(key string) string {
	mac := hmac.New(sha256.New, []byte(p.config.HashingSalt))
	mac.Write([]byte(key))
	return "anon_" + hex.EncodeToString(mac.Sum(nil)[:8])
}

// Mappings returns the pseudonyms issued so far, keyed by "column=value".
func (p *Pseudonymizer) Mappings() map[string]string {
	out := make(map[string]string)
	p.mappings.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

func dropColumns(table *models.Table, columns []string) *models.Table {
	drop := make(map[string]bool, len(columns))
	for _, c := range columns {
		drop[c] = true
	}
	kept := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	out := models.NewTable(kept...)
	for _, r := range table.Rows {
		rec := make(models.Record, len(kept))
		for _, c := range kept {
			if v, ok := r[c]; ok {
				rec[c] = v
			}
		}
		out.Append(rec)
	}
	return out
}

func getDefaultPseudonymizationConfig() *PseudonymizationConfig {
	return &PseudonymizationConfig{
		Method:            PseudonymSequential,
		DirectIdentifiers: []string{"subject_id", "hadm_id"},
	}
}
