package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// MessageSigner signs report bodies so consumers can check provenance.
type MessageSigner interface {
	Address() string
	SignMessage(payload []byte) (string, error)
}

// signedReport is the object layout under settlements/.
type signedReport struct {
	Report    json.RawMessage `json:"report"`
	Signer    string          `json:"signer,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// ReportSink implements domain.ReportSink on a BlobWriter.
type ReportSink struct {
	writer domain.BlobWriter
	signer MessageSigner
}

// NewReportSink creates a ReportSink. signer may be nil, in which case
// reports are stored unsigned.
func NewReportSink(writer domain.BlobWriter, signer MessageSigner) *ReportSink {
	return &ReportSink{writer: writer, signer: signer}
}

// ReportPath is where a settlement report is stored.
func ReportPath(marketID, reportID string) string {
	return fmt.Sprintf("settlements/%s/%s.json", marketID, reportID)
}

// WriteReport stores report as signed JSON and returns its path.
func (s *ReportSink) WriteReport(ctx context.Context, report domain.SettlementReport) (string, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", report.ID, err)
	}
	out := signedReport{Report: body}
	if s.signer != nil {
		sig, err := s.signer.SignMessage(body)
		if err != nil {
			return "", fmt.Errorf("s3blob: sign report %s: %w", report.ID, err)
		}
		out.Signer = s.signer.Address()
		out.Signature = sig
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal signed report %s: %w", report.ID, err)
	}

	path := ReportPath(report.MarketID, report.ID)
	if err := s.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: write report %s: %w", report.ID, err)
	}
	return path, nil
}

var _ domain.ReportSink = (*ReportSink)(nil)
