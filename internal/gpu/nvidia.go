package gpu

import (
	"os/exec"
	"strconv"
	"strings"
)

// NvidiaSMISource samples utilization by shelling out to nvidia-smi. On
// multi-GPU hosts the busiest device counts. Hosts without the tool (or
// without a GPU) sample zero, so the balancer reports itself idle.
func NvidiaSMISource() Source {
	return func() float64 {
		out, err := exec.Command("nvidia-smi",
			"--query-gpu=utilization.gpu",
			"--format=csv,noheader,nounits",
		).Output()
		if err != nil {
			return 0
		}
		max := 0.0
		for _, line := range strings.Split(string(out), "\n") {
			v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
			if err == nil && v > max {
				max = v
			}
		}
		return max
	}
}
