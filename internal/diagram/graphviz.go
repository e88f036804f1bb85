package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindAI:       cgraph.HexagonShape,
	NodeKindApproval: cgraph.DiamondShape,
	NodeKindWait:     cgraph.EllipseShape,
	NodeKindMessage:  cgraph.ParallelogramShape,
	NodeKindRecord:   cgraph.CylinderShape,
	NodeKindStart:    cgraph.CircleShape,
	NodeKindEnd:      cgraph.DoubleCircleShape,
}

type palette struct{ fill, font string }

var statusPalette = map[string]palette{
	StatusCompleted: {"#2d6a2d", "white"},
	StatusFailed:    {"#8b1a1a", "white"},
	StatusRunning:   {"#1a5276", "white"},
	StatusWaiting:   {"#b7791a", "white"},
	StatusPending:   {"#d3d3d3", "black"},
	StatusSkipped:   {"#e8e8e8", "#888888"},
}

// RenderImage lays the model out top to bottom with dot and returns PNG bytes.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graph: %w", err)
	}
	defer g.Close()

	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s references an unknown node", e.From, e.To)
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		if target := findNode(model, e.To); target != nil && target.Status != nil && target.Status.Status == StatusPending {
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render png: %w", err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	gn.SetLabel(n.Label)

	shape, ok := kindShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.5).SetHeight(0.5)
	}

	if n.Status == nil {
		return
	}
	p, ok := statusPalette[n.Status.Status]
	if !ok {
		return
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	if n.Status.Status == StatusSkipped {
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
	gn.SetFillColor(p.fill).SetFontColor(p.font)
	if n.Status.Error != "" {
		gn.SetTooltip(n.Status.Error)
	}
}

func findNode(model *DiagramModel, id string) *Node {
	for _, n := range model.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
