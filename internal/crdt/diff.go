package crdt

import "fmt"

// Edit es una edición contigua: borrar Delete runas desde Offset e insertar Insert.
type Edit struct {
	Offset int
	Delete int
	Insert string
}

// Diff calcula la edición mínima contigua entre prev y next recortando
// el prefijo y el sufijo comunes. ok es false si son iguales.
func Diff(prev, next string) (e Edit, ok bool) {
	if prev == next {
		return Edit{}, false
	}
	a, b := []rune(prev), []rune(next)
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	s := 0
	for s < len(a)-p && s < len(b)-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}
	return Edit{
		Offset: p,
		Delete: len(a) - p - s,
		Insert: string(b[p : len(b)-s]),
	}, true
}

// Apply aplica e sobre doc (primero el borrado, después la inserción).
func (e Edit) Apply(doc Document) error {
	if e.Delete > 0 {
		if err := doc.Delete(e.Offset, e.Delete); err != nil {
			return err
		}
	}
	if e.Insert != "" {
		if err := doc.Insert(e.Offset, e.Insert); err != nil {
			return err
		}
	}
	return nil
}

// rebase traslada local sobre un documento que ya incorporó remote. Las dos
// ediciones parten del mismo texto base; el resultado se aplica en orden.
// Lo que remote ya borró no se vuelve a borrar y lo que remote insertó se
// conserva. Ante dos inserciones en el mismo offset, la local queda después.
func rebase(local, remote Edit) []Edit {
	lo, lhi := local.Offset, local.Offset+local.Delete
	ro, rhi := remote.Offset, remote.Offset+remote.Delete
	ins := len([]rune(remote.Insert))
	delta := ins - remote.Delete

	switch {
	case lo >= rhi:
		local.Offset += delta
		return []Edit{local}
	case lhi <= ro:
		return []Edit{local}
	}

	// Se solapan: primero el tramo posterior, así los offsets previos no se mueven.
	var out []Edit
	if lhi > rhi {
		out = append(out, Edit{Offset: rhi + delta, Delete: lhi - rhi})
	}
	at := ro + ins
	if lo < ro {
		out = append(out, Edit{Offset: lo, Delete: ro - lo})
		at = lo
	}
	if local.Insert != "" {
		out = append(out, Edit{Offset: at, Insert: local.Insert})
	}
	return out
}

// Splice es la operación de texto que usan los backends: borra del runas
// desde offset e inserta ins.
func Splice(text string, offset, del int, ins string) (string, error) {
	r := []rune(text)
	if offset < 0 || del < 0 || offset > len(r) || offset+del > len(r) {
		return "", fmt.Errorf("%w: offset=%d delete=%d len=%d", ErrOutOfRange, offset, del, len(r))
	}
	out := make([]rune, 0, len(r)-del+len(ins))
	out = append(out, r[:offset]...)
	out = append(out, []rune(ins)...)
	out = append(out, r[offset+del:]...)
	return string(out), nil
}
