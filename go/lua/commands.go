package lua

var sugarRc = `
getmetatable("").__mod = func(a, b)
    if type(b) == 'table' then
        return string.format(a, unpack(b))
    end
    return string.format(a, b)
end

func hex(s) return '%x' % s end
func ord(s) return string.byte(s, 1) end
func chr(s) return string.char(s) end

func range(a, b, c)
    local i, stop, step = 0, a, 1
    if b != nil then
        if c != nil then step = c end
        i, stop = a, b
    end
    i = i - 1
    return func()
        i = i + step
        if (step > 0 and i < stop) or (step < 0 and i > stop) then
            return i
        end
    end
end
`

var cmdRc = `
_builtins = {}
for name, _ in pairs(_G) do
    _builtins[name] = true
end

func _is_public(name)
    return _builtins[name] != true and name:sub(1, 1) != '_'
end

func help()
    local funcs = {}
    for name, val in pairs(_G) do
        if _is_public(name) and type(val) == 'function' then
            table.insert(funcs, name)
        end
    end
    table.sort(funcs)
    print 'Functions:'
    for _, name in ipairs(funcs) do
        print(name)
    end
    print 'Shell commands run through cmd("..."), see cmd("help").'
end

func dir()
    local ret = {}
    for name, _ in pairs(_G) do
        if _is_public(name) then
            table.insert(ret, name)
        end
    end
    table.sort(ret)
    return ret
end

cmd = hv.cmd

func read(addr, size)
    if size == nil then size = 16 end
    return hv.read(addr, size)
end

func write(addr, s)
    hv.write(addr, s)
end

func hexdump(addr, size)
    if size == nil then size = 64 end
    cmd('mem %d %d' % {addr, size})
end

func dis(addr, count)
    if addr == nil then addr = pc end
    if count == nil then count = 8 end
    for _, ins in ipairs(hv.dis(addr, count)) do
        print '0x%x: %s %s ; %s' % {ins.addr, ins.name, ins.op_str, hv.sym(ins.addr)}
    end
end

func regs()
    cmd 'regs'
end
r = regs

func b(addr, fn)
    if type(addr) == 'string' then addr = hv.addr(addr) end
    return hv.brk(addr, fn)
end

-- on('write', addr, size, fn) prints or handles accesses without stopping
func on(kind, addr, size, fn)
    local cbs = {}
    cbs[kind] = fn
    hv.hook(addr, size, mode.ASYNC, 'lua:%x' % addr, cbs)
end

func c() cmd 'cont' end
func s() cmd 'step' end
`
