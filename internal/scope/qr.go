package scope

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// qrPrefix marks a scanned payload as a tillsync company code.
const qrPrefix = "tillsync:"

// RenderQR returns a terminal rendering of the code's barcode.
func RenderQR(code string) (string, error) {
	payload, err := qrPayload(code)
	if err != nil {
		return "", err
	}

	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to build QR code: %w", err)
	}

	return q.ToSmallString(false), nil
}

// QRPNG returns the barcode as a PNG image of size x size pixels.
func QRPNG(code string, size int) ([]byte, error) {
	payload, err := qrPayload(code)
	if err != nil {
		return nil, err
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return png, nil
}

// ParseQRPayload extracts the company code from a scanned payload.
func ParseQRPayload(payload string) (string, error) {
	if len(payload) <= len(qrPrefix) || payload[:len(qrPrefix)] != qrPrefix {
		return "", fmt.Errorf("%w: not a tillsync barcode", ErrInvalidCode)
	}

	return NormalizeCode(payload[len(qrPrefix):])
}

func qrPayload(code string) (string, error) {
	formatted, err := FormatCode(code)
	if err != nil {
		return "", err
	}

	return qrPrefix + formatted, nil
}
