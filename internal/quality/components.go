package quality

import "image"

// significantComponents labels 4-connected foreground components on the
// binarized mask and counts those covering at least minAreaFrac of the
// frame. Iterative flood fill on an explicit stack; masks routinely
// exceed goroutine stack budgets for recursion.
func significantComponents(mask *image.Gray, threshold uint8, minAreaFrac float64) int {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	minArea := int(minAreaFrac * float64(w*h))
	if minArea < 1 {
		minArea = 1
	}

	visited := make([]bool, w*h)
	fg := func(x, y int) bool {
		return mask.Pix[y*mask.Stride+x] >= threshold
	}

	count := 0
	stack := make([]int, 0, 1024)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || !fg(x, y) {
				continue
			}

			area := 0
			stack = append(stack[:0], idx)
			visited[idx] = true
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				area++
				cx, cy := cur%w, cur/w

				if cx > 0 && !visited[cur-1] && fg(cx-1, cy) {
					visited[cur-1] = true
					stack = append(stack, cur-1)
				}
				if cx < w-1 && !visited[cur+1] && fg(cx+1, cy) {
					visited[cur+1] = true
					stack = append(stack, cur+1)
				}
				if cy > 0 && !visited[cur-w] && fg(cx, cy-1) {
					visited[cur-w] = true
					stack = append(stack, cur-w)
				}
				if cy < h-1 && !visited[cur+w] && fg(cx, cy+1) {
					visited[cur+w] = true
					stack = append(stack, cur+w)
				}
			}

			if area >= minArea {
				count++
			}
		}
	}
	return count
}
