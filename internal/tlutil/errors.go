package tlutil

// FlattenErrors converts errors to strings, unwrapping joined errors so that
// each one is reported separately. Nil errors are skipped.
func FlattenErrors(errs ...error) []string {
	if len(errs) <= 0 {
		return nil
	}
	strs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			strs = append(strs, FlattenErrors(joined.Unwrap()...)...)
			continue
		}
		strs = append(strs, err.Error())
	}
	return strs
}
