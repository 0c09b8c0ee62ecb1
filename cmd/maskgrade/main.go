// maskgrade grades a single mask PNG with a quality profile. Debug tool
// for tuning profiles against masks pulled out of review.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	"github.com/aurelia-labs/shotprep/internal/quality"
)

func main() {
	var (
		maskPath    = flag.String("mask", "", "mask image (required); alpha channel is used when present")
		profileName = flag.String("profile", "balanced", "quality profile name")
		profileFile = flag.String("profile-file", "", "JSON profile override")
	)
	flag.Parse()

	if *maskPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --mask is required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var profile quality.Profile
	var err error
	if *profileFile != "" {
		profile, err = quality.LoadProfileFile(*profileFile)
	} else {
		profile, err = quality.ProfileByName(*profileName)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mask, err := loadMask(*maskPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load mask: %v\n", err)
		os.Exit(1)
	}

	result := quality.NewClassifier(profile, logger).Classify(mask)
	fmt.Printf("profile:  %s\n", profile.Name)
	fmt.Printf("verdict:  %s\n", result.Verdict)
	fmt.Printf("reason:   %s\n", result.Reason)
}

// loadMask decodes the file as a grayscale mask. Images with a useful
// alpha channel contribute their alpha; everything else contributes
// luminance.
func loadMask(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}

	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	hasAlpha := false
	for y := b.Min.Y; y < b.Max.Y && !hasAlpha; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				hasAlpha = true
				break
			}
		}
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if hasAlpha {
				_, _, _, a := img.At(x, y).RGBA()
				mask.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(a >> 8)})
			} else {
				r, g, bl, _ := img.At(x, y).RGBA()
				mask.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8((299*r + 587*g + 114*bl) / 1000 >> 8)})
			}
		}
	}
	return mask, nil
}
