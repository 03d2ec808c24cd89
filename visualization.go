package main

/*
WHAT'S GOING ON HERE?

Self-contained HTML charts for looking at a run without a plotting stack:

- Training curves: per-step loss and learning rate recorded by the Trainer
- LR range test: smoothed loss against learning rate on a log axis

WHY HTML?
- Works everywhere (just open in browser)
- Self-contained (no server needed)
- Easy to share and archive training runs
*/

import (
	"fmt"
	"html"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TrainingMetrics stores metrics collected during training
type TrainingMetrics struct {
	Steps         []int     // Step numbers
	Losses        []float64 // Loss at each step
	LearningRates []float64 // Learning rate at each step
	Epochs        []int     // Epoch number for each step
	BatchIndices  []int     // Batch index within epoch
}

// NewTrainingMetrics creates a new metrics tracker
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{}
}

// Record adds a new data point to the metrics
func (m *TrainingMetrics) Record(step int, loss float64, lr float64, epoch int, batchIdx int) {
	m.Steps = append(m.Steps, step)
	m.Losses = append(m.Losses, loss)
	m.LearningRates = append(m.LearningRates, lr)
	m.Epochs = append(m.Epochs, epoch)
	m.BatchIndices = append(m.BatchIndices, batchIdx)
}

// SaveHTML writes the loss curve and learning-rate schedule with summary
// statistics.
func (m *TrainingMetrics) SaveHTML(filename, run string) error {
	if len(m.Steps) == 0 {
		return errors.New("no metrics to save")
	}

	finalLoss := m.Losses[len(m.Losses)-1]
	minLoss, avgLoss, counted := math.Inf(1), 0.0, 0
	for _, loss := range m.Losses {
		if math.IsNaN(loss) {
			continue
		}
		minLoss = math.Min(minLoss, loss)
		avgLoss += loss
		counted++
	}
	if counted > 0 {
		avgLoss /= float64(counted)
	}

	steps := make([]float64, len(m.Steps))
	for i, s := range m.Steps {
		steps[i] = float64(s)
	}
	page := chartPage{
		Title:    "Training Metrics",
		Subtitle: "Run " + run,
		Stats: []statCard{
			{"Total Steps", fmt.Sprintf("%d", len(m.Steps))},
			{"Final Loss", fmt.Sprintf("%.4f", finalLoss)},
			{"Min Loss", fmt.Sprintf("%.4f", minLoss)},
			{"Average Loss", fmt.Sprintf("%.4f", avgLoss)},
		},
		Charts: []chart{
			{ID: "lossChart", Title: "Loss Curve", XLabel: "Training Step", YLabel: "Loss", Color: "#58a6ff", X: steps, Y: m.Losses},
			{ID: "lrChart", Title: "Learning Rate Schedule", XLabel: "Training Step", YLabel: "Learning Rate", Color: "#56d364", X: steps, Y: m.LearningRates},
		},
	}
	return errors.Wrapf(os.WriteFile(filename, []byte(page.render()), 0644), "write %s", filename)
}

// SaveLRFinderHTML plots a range test on a logarithmic learning-rate axis,
// dropping skipStart leading and skipEnd trailing points.
func SaveLRFinderHTML(filename string, res RangeTestResult, skipStart, skipEnd int) error {
	lrs, losses := trimRange(res.LRs, skipStart, skipEnd), trimRange(res.Losses, skipStart, skipEnd)
	if len(lrs) == 0 {
		return errors.New("no range-test points left to plot")
	}
	stats := []statCard{
		{"Points", fmt.Sprintf("%d", len(lrs))},
		{"LR Range", fmt.Sprintf("%.1e – %.1e", lrs[0], lrs[len(lrs)-1])},
	}
	if lr, err := res.Suggestion(skipStart, skipEnd); err == nil {
		stats = append(stats, statCard{"Steepest Descent", fmt.Sprintf("%.2e", lr)})
	}
	page := chartPage{
		Title:    "Learning Rate Range Test",
		Subtitle: "Smoothed training loss while the learning rate grows exponentially",
		Stats:    stats,
		Charts: []chart{
			{ID: "lrFinder", Title: "Loss vs Learning Rate", XLabel: "Learning Rate", YLabel: "Loss", Color: "#f0883e", X: lrs, Y: losses, LogX: true},
		},
	}
	return errors.Wrapf(os.WriteFile(filename, []byte(page.render()), 0644), "write %s", filename)
}

type statCard struct {
	Label, Value string
}

type chart struct {
	ID, Title      string
	XLabel, YLabel string
	Color          string
	X, Y           []float64
	LogX           bool
}

type chartPage struct {
	Title, Subtitle string
	Stats           []statCard
	Charts          []chart
}

func (p chartPage) render() string {
	var stats, canvases, data, draws strings.Builder
	for _, s := range p.Stats {
		fmt.Fprintf(&stats, `
            <div class="stat-card">
                <div class="stat-label">%s</div>
                <div class="stat-value">%s</div>
            </div>`, html.EscapeString(s.Label), html.EscapeString(s.Value))
	}
	for i, c := range p.Charts {
		fmt.Fprintf(&canvases, `
        <div class="chart-container">
            <div class="chart-title">%s</div>
            <canvas id="%s"></canvas>
        </div>`, html.EscapeString(c.Title), c.ID)
		fmt.Fprintf(&data, "        const x%d = %s;\n        const y%d = %s;\n",
			i, formatJSArrayFloat(c.X), i, formatJSArrayFloat(c.Y))
		fmt.Fprintf(&draws, "            drawChart('%s', x%d, y%d, '%s', '%s', '%s', %t);\n",
			c.ID, i, i, c.Color, c.XLabel, c.YLabel, c.LogX)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'Roboto', sans-serif;
            background: #0d1117;
            color: #c9d1d9;
            padding: 20px;
            line-height: 1.6;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        h1 { font-size: 28px; margin-bottom: 10px; color: #58a6ff; }
        .subtitle { color: #8b949e; margin-bottom: 30px; font-size: 14px; }
        .stats {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(200px, 1fr));
            gap: 15px;
            margin-bottom: 30px;
        }
        .stat-card { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 15px; }
        .stat-label {
            font-size: 12px;
            color: #8b949e;
            text-transform: uppercase;
            letter-spacing: 0.5px;
            margin-bottom: 5px;
        }
        .stat-value { font-size: 24px; font-weight: 600; color: #58a6ff; }
        .chart-container {
            background: #161b22;
            border: 1px solid #30363d;
            border-radius: 6px;
            padding: 20px;
            margin-bottom: 20px;
        }
        .chart-title { font-size: 18px; font-weight: 600; margin-bottom: 15px; color: #c9d1d9; }
        canvas { width: 100%% !important; height: 300px !important; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <div class="subtitle">%s</div>
        <div class="stats">%s
        </div>%s
    </div>

    <script>
%s
        function drawChart(canvasId, xs, ys, color, xLabel, yLabel, logX) {
            const canvas = document.getElementById(canvasId);
            const ctx = canvas.getContext('2d');
            const dpr = window.devicePixelRatio || 1;
            const rect = canvas.getBoundingClientRect();
            canvas.width = rect.width * dpr;
            canvas.height = rect.height * dpr;
            ctx.scale(dpr, dpr);

            const width = rect.width;
            const height = rect.height;
            const padding = 60;
            const chartWidth = width - 2 * padding;
            const chartHeight = height - 2 * padding;

            const tx = v => logX ? Math.log10(v) : v;
            const finite = ys.filter(v => v !== null);
            const minVal = Math.min(...finite);
            const maxVal = Math.max(...finite);
            const range = (maxVal - minVal) || 1;
            const minX = tx(Math.min(...xs));
            const maxX = tx(Math.max(...xs));
            const xRange = (maxX - minX) || 1;

            ctx.strokeStyle = '#30363d';
            ctx.lineWidth = 1;
            ctx.beginPath();
            ctx.moveTo(padding, padding);
            ctx.lineTo(padding, height - padding);
            ctx.lineTo(width - padding, height - padding);
            ctx.stroke();

            ctx.strokeStyle = '#21262d';
            for (let i = 1; i < 5; i++) {
                const y = padding + (chartHeight * i / 5);
                ctx.beginPath();
                ctx.moveTo(padding, y);
                ctx.lineTo(width - padding, y);
                ctx.stroke();
                ctx.fillStyle = '#8b949e';
                ctx.font = '11px monospace';
                ctx.textAlign = 'right';
                ctx.fillText((maxVal - range * i / 5).toPrecision(4), padding - 10, y + 4);
            }

            ctx.strokeStyle = color;
            ctx.lineWidth = 2;
            ctx.beginPath();
            let started = false;
            for (let i = 0; i < ys.length; i++) {
                if (ys[i] === null) { started = false; continue; }
                const x = padding + chartWidth * (tx(xs[i]) - minX) / xRange;
                const y = height - padding - chartHeight * (ys[i] - minVal) / range;
                if (!started) { ctx.moveTo(x, y); started = true; } else { ctx.lineTo(x, y); }
            }
            ctx.stroke();

            ctx.fillStyle = '#8b949e';
            ctx.font = '11px monospace';
            ctx.textAlign = 'center';
            for (let i = 0; i <= 4; i++) {
                const v = minX + xRange * i / 4;
                const label = logX ? Math.pow(10, v).toExponential(1) : Math.round(v).toString();
                ctx.fillText(label, padding + chartWidth * i / 4, height - padding + 20);
            }

            ctx.fillStyle = '#c9d1d9';
            ctx.font = '12px sans-serif';
            ctx.fillText(xLabel, width / 2, height - 10);
            ctx.save();
            ctx.translate(15, height / 2);
            ctx.rotate(-Math.PI / 2);
            ctx.fillText(yLabel, 0, 0);
            ctx.restore();
        }

        function drawAll() {
%s        }
        window.onload = drawAll;
        window.onresize = drawAll;
    </script>
</body>
</html>`,
		html.EscapeString(p.Title), html.EscapeString(p.Title), html.EscapeString(p.Subtitle),
		stats.String(), canvases.String(), data.String(), draws.String())
}

// formatJSArrayFloat formats a float64 slice as a JavaScript array
func formatJSArrayFloat(arr []float64) string {
	if len(arr) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range arr {
		if i > 0 {
			sb.WriteString(",")
		}
		// Handle NaN and Inf
		if math.IsNaN(v) {
			sb.WriteString("null")
		} else if math.IsInf(v, 1) {
			sb.WriteString("1e308")
		} else if math.IsInf(v, -1) {
			sb.WriteString("-1e308")
		} else {
			sb.WriteString(fmt.Sprintf("%g", v))
		}
	}
	sb.WriteString("]")
	return sb.String()
}
