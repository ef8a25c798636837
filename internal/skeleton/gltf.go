package skeleton

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/qmuntal/gltf"
)

// ErrNoSkin is returned when a glTF document has no matching skin.
var ErrNoSkin = errors.New("no skin in glTF document")

// LoadGLTF builds a skeleton from the joints of a glTF skin. An empty skin
// name selects the first skin. Bone parents are the nearest ancestor node
// that is also a joint of the skin; rest poses are the node TRS.
func LoadGLTF(path, skin string) (*Skeleton, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open glTF: %w", err)
	}

	s, err := fromDocument(doc, skin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return s, nil
}

func fromDocument(doc *gltf.Document, skinName string) (*Skeleton, error) {
	var sk *gltf.Skin
	for _, candidate := range doc.Skins {
		if skinName == "" || candidate.Name == skinName {
			sk = candidate
			break
		}
	}
	if sk == nil {
		if skinName != "" {
			return nil, fmt.Errorf("%w: %q", ErrNoSkin, skinName)
		}
		return nil, ErrNoSkin
	}
	if len(sk.Joints) == 0 {
		return nil, fmt.Errorf("%w: skin %q has no joints", ErrNoSkin, sk.Name)
	}

	nodeParent := make([]int, len(doc.Nodes))
	for i := range nodeParent {
		nodeParent[i] = -1
	}
	for i, node := range doc.Nodes {
		for _, child := range node.Children {
			if child >= 0 && child < len(nodeParent) {
				nodeParent[child] = i
			}
		}
	}

	jointOf := make(map[int]int, len(sk.Joints))
	for i, nodeIdx := range sk.Joints {
		if nodeIdx < 0 || nodeIdx >= len(doc.Nodes) {
			return nil, fmt.Errorf("skin joint %d references missing node %d", i, nodeIdx)
		}
		jointOf[nodeIdx] = i
	}

	bones := make([]Bone, len(sk.Joints))
	for i, nodeIdx := range sk.Joints {
		node := doc.Nodes[nodeIdx]

		parent := NoParent
		for p, steps := nodeParent[nodeIdx], 0; p != -1 && steps < len(doc.Nodes); p, steps = nodeParent[p], steps+1 {
			if j, ok := jointOf[p]; ok {
				parent = j
				break
			}
		}

		name := strings.TrimSpace(node.Name)
		if name == "" {
			name = fmt.Sprintf("joint_%d", i)
		}

		bones[i] = Bone{
			Name:    name,
			Parent:  parent,
			Enabled: true,
			Rest:    nodeTransform(node),
		}
	}

	name := sk.Name
	if name == "" {
		name = "skin"
	}
	return FromBones(name, bones)
}

// nodeTransform returns the local transform of a node, preferring an explicit
// matrix over TRS.
func nodeTransform(node *gltf.Node) mgl64.Mat4 {
	if m := node.MatrixOrDefault(); m != gltf.DefaultMatrix {
		// glTF matrices are column-major, like mgl64.
		return mgl64.Mat4(m)
	}

	t := node.TranslationOrDefault()
	r := node.RotationOrDefault()
	sc := node.ScaleOrDefault()

	rot := mgl64.Quat{W: r[3], V: mgl64.Vec3{r[0], r[1], r[2]}}.Normalize()
	return mgl64.Translate3D(t[0], t[1], t[2]).
		Mul4(rot.Mat4()).
		Mul4(mgl64.Scale3D(sc[0], sc[1], sc[2]))
}
