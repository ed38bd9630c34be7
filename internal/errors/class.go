package errors

import stdErrors "errors"

// Class 是错误分类体系中的一类，按优先级从高到低排列。
type Class int

const (
	ClassNotFound Class = iota + 1
	ClassValidation
	ClassForbidden
	ClassTimeout
	ClassUnavailable
	ClassInternal
)

// String 返回分类名称。
func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassValidation:
		return "validation"
	case ClassForbidden:
		return "forbidden"
	case ClassTimeout:
		return "timeout"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Precondition 表示该分类是否在调用模型前由调度层抛出。
func (c Class) Precondition() bool {
	return c == ClassNotFound || c == ClassValidation || c == ClassForbidden
}

// Classify 遍历错误链（包括 errors.Join 的多个分支），返回优先级最高的分类。
// 链上没有统一错误时返回 ClassInternal。
func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}
	best := Class(0)
	walk(err, func(e *Error) {
		c := e.Class()
		if best == 0 || c < best {
			best = c
		}
	})
	if best == 0 {
		return ClassInternal
	}
	return best
}

func walk(err error, visit func(*Error)) {
	for err != nil {
		if e, ok := err.(*Error); ok && e != nil {
			visit(e)
		}
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range multi.Unwrap() {
				walk(inner, visit)
			}
			return
		}
		err = stdErrors.Unwrap(err)
	}
}
