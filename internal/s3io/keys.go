package s3io

import (
	"fmt"
	"path"
	"strings"
)

// Document key layout and content type.
const (
	ContentTypeHTML = "text/html; charset=utf-8"

	keyPrefix    = "invoices"
	keyExt       = ".html"
	refScheme    = "s3://"
	MetaChecksum = "sha256"
)

// BuildKey constructs the S3 key of an invoice document. The key depends only on
// ids, so every attempt for an invoice targets the same object.
func BuildKey(policyID, invoiceID string) string {
	return fmt.Sprintf("%s/%s/%s%s", keyPrefix, policyID, invoiceID, keyExt)
}

// ParseKey extracts policyID and invoiceID from a document key.
func ParseKey(key string) (policyID, invoiceID string, ok bool) {
	if strings.ToLower(path.Ext(key)) != keyExt {
		return "", "", false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" {
		return "", "", false
	}
	invoiceID = strings.TrimSuffix(parts[2], keyExt)
	if invoiceID == "" {
		return "", "", false
	}
	return parts[1], invoiceID, true
}

// Ref renders the durable reference stored on the invoice.
func Ref(bucket, key string) string {
	return refScheme + bucket + "/" + key
}

// ParseRef splits a reference produced by Ref.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, refScheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// DocumentMetadata builds the user metadata written with a document.
func DocumentMetadata(key, checksum string) map[string]string {
	meta := map[string]string{MetaChecksum: checksum}
	if policyID, invoiceID, ok := ParseKey(key); ok {
		meta["policy_id"] = policyID
		meta["invoice_id"] = invoiceID
	}
	return meta
}
