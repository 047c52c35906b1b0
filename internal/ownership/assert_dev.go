//go:build devassert

package ownership

const assertionsEnabled = true

func invariant(msg string) {
	panic("ownership invariant violated: " + msg)
}
