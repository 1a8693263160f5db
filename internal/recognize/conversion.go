package recognize

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// renderPDF renders the first page of a PDF as PNG (receipts are single page)
func renderPDF(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeToPNG converts any supported image format to PNG
func decodeToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not covered by the standard image
	// package, so route it to the pure Go decoder.
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand for HEIC/HEIF magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData normalizes any accepted payload (PDF, HEIC, JPEG, GIF,
// PNG) to PNG for the vision models. Returns the final data, the MIME type
// to use, and whether a conversion occurred.
func prepareImageData(imageData []byte, contentType string) ([]byte, string, bool, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "application/pdf" {
		pngData, err := renderPDF(imageData)
		if err != nil {
			return nil, "", false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, "image/png", true, nil
	}

	if mimeType != "image/png" || isHEICFormat(imageData) {
		pngData, err := decodeToPNG(imageData, mimeType)
		if err != nil {
			return nil, "", false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, "image/png", true, nil
	}

	return imageData, "image/png", false, nil
}
